// Package stream holds the per-conversation message buffer: ordered,
// deduplicated, paginated backwards by cursor, patched in place by live
// edit/delete events. The store is a pure reducer over REST pages and
// decoded live events; it performs no subscriptions itself.
package stream

import (
	"context"
	"sync"
	"time"

	"chatlink/model"
	"chatlink/tools/errs"
	"chatlink/tools/ids"
)

// Fetcher is the message-history slice of the REST API the store pulls
// pages through.
type Fetcher interface {
	// Messages returns one newest-first page; empty lastMsgID means the
	// most recent page.
	Messages(ctx context.Context, chatID, lastMsgID string, size int) ([]model.Message, error)
}

// ChangeKind tags a store notification.
type ChangeKind int

const (
	// ChangeLoaded: the buffer was replaced by the initial page.
	ChangeLoaded ChangeKind = iota + 1
	// ChangePrepended: an older page was inserted at the front.
	ChangePrepended
	// ChangeAppended: a live message was appended (or reconciled).
	ChangeAppended
	// ChangeEdited: a message was replaced in place.
	ChangeEdited
	// ChangeRemoved: a message was deleted.
	ChangeRemoved
	// ChangeDelivery: an own message moved between delivery states.
	ChangeDelivery
)

// Change is one store notification. Prepended carries the number of
// messages added at the front so the viewport can compensate scroll.
type Change struct {
	Kind      ChangeKind
	Message   *model.Message
	Prepended int
}

// ChangeFunc observes store changes.
type ChangeFunc = func(Change)

// Store is the message buffer of one conversation. Messages are
// totally ordered by sentAt, then insertion order for equal stamps; ids
// are unique.
type Store struct {
	conversationID string
	pageSize       int
	fetcher        Fetcher

	mu       sync.Mutex
	messages []model.Message
	pending  []model.LiveEvent // live events seen before the initial page

	oldestLoadedID string
	hasMoreOlder   bool

	loaded         bool
	initialLoading bool
	loadingOlder   bool

	watchers  map[int]ChangeFunc
	nextWatch int
}

func NewStore(conversationID string, pageSize int, f Fetcher) *Store {
	return &Store{
		conversationID: conversationID,
		pageSize:       pageSize,
		fetcher:        f,
		hasMoreOlder:   true,
		watchers:       make(map[int]ChangeFunc),
	}
}

func (s *Store) ConversationID() string { return s.conversationID }

// OnChange registers a change observer; the returned function removes
// it.
func (s *Store) OnChange(fn ChangeFunc) func() {
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// notify runs outside the store lock so observers may call back in.
func (s *Store) notify(changes ...Change) {
	s.mu.Lock()
	observers := make([]ChangeFunc, 0, len(s.watchers))
	for _, fn := range s.watchers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, ch := range changes {
		for _, fn := range observers {
			fn(ch)
		}
	}
}

// LoadInitial fetches the newest page and replaces the buffer. Live
// events that arrived first are replayed through the same dedup path
// afterwards.
func (s *Store) LoadInitial(ctx context.Context) error {
	s.mu.Lock()
	if s.initialLoading {
		s.mu.Unlock()
		return nil
	}
	s.initialLoading = true
	s.mu.Unlock()

	page, err := s.fetcher.Messages(ctx, s.conversationID, "", s.pageSize)

	s.mu.Lock()
	s.initialLoading = false
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if ctx.Err() != nil {
		// the conversation was switched away while in flight; drop
		s.mu.Unlock()
		return errs.FetchWrap(ctx.Err(), "initial load canceled")
	}

	s.messages = reversed(page)
	s.hasMoreOlder = len(page) == s.pageSize
	if len(s.messages) > 0 {
		s.oldestLoadedID = s.messages[0].ID
	} else {
		s.oldestLoadedID = ""
	}
	s.loaded = true

	replay := s.pending
	s.pending = nil
	extra := make([]Change, 0, len(replay))
	for _, ev := range replay {
		if ch, ok := s.applyLocked(ev); ok {
			extra = append(extra, ch)
		}
	}
	s.mu.Unlock()

	s.notify(append([]Change{{Kind: ChangeLoaded}}, extra...)...)
	return nil
}

// LoadOlder fetches the page strictly older than the cursor and
// prepends it. No-op while a fetch is in flight, before the initial
// load, or once history is exhausted.
func (s *Store) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.loadingOlder || !s.loaded || !s.hasMoreOlder {
		s.mu.Unlock()
		return nil
	}
	s.loadingOlder = true
	cursor := s.oldestLoadedID
	s.mu.Unlock()

	page, err := s.fetcher.Messages(ctx, s.conversationID, cursor, s.pageSize)

	s.mu.Lock()
	s.loadingOlder = false
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if ctx.Err() != nil {
		s.mu.Unlock()
		return errs.FetchWrap(ctx.Err(), "pagination canceled")
	}

	older := reversed(page)
	// pagination fetches current server state, so a page can carry ids
	// that raced in as live events; keep the first occurrence
	fresh := older[:0]
	for _, m := range older {
		if s.indexOfID(m.ID) < 0 {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) > 0 {
		s.messages = append(append([]model.Message{}, fresh...), s.messages...)
		s.oldestLoadedID = s.messages[0].ID
	}
	s.hasMoreOlder = len(page) == s.pageSize
	n := len(fresh)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangePrepended, Prepended: n})
	return nil
}

// ApplyLive folds one decoded push event into the buffer. Events for a
// not-yet-loaded store are parked and replayed after LoadInitial.
func (s *Store) ApplyLive(ev model.LiveEvent) {
	s.mu.Lock()
	if !s.loaded {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	ch, ok := s.applyLocked(ev)
	s.mu.Unlock()

	if ok {
		s.notify(ch)
	}
}

func (s *Store) applyLocked(ev model.LiveEvent) (Change, bool) {
	switch ev.Kind {
	case model.EventSent:
		msg := ev.Message
		// reconcile the echo of an optimistic send by correlation id
		if msg.ClientID != "" {
			if i := s.indexOfClientID(msg.ClientID); i >= 0 {
				if s.messages[i].ID == "" || s.messages[i].ID == msg.ID {
					msg.Delivery = model.DeliveryDelivered
					s.replaceSorted(i, msg)
					return Change{Kind: ChangeAppended, Message: &msg}, true
				}
			}
		}
		if msg.ID != "" && s.indexOfID(msg.ID) >= 0 {
			// duplicate broadcast; optimistic echoes and server fan-out race
			return Change{}, false
		}
		s.insertSorted(msg)
		return Change{Kind: ChangeAppended, Message: &msg}, true

	case model.EventEdited:
		i := s.indexOfID(ev.Message.ID)
		if i < 0 {
			// lives in an unfetched older page; pagination will carry it
			return Change{}, false
		}
		edited := ev.Message
		edited.Delivery = s.messages[i].Delivery
		s.messages[i] = edited
		return Change{Kind: ChangeEdited, Message: &edited}, true

	case model.EventDeleted:
		i := s.indexOfID(ev.Message.ID)
		if i < 0 {
			return Change{}, false
		}
		removed := s.messages[i]
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		if s.oldestLoadedID == removed.ID {
			if len(s.messages) > 0 {
				s.oldestLoadedID = s.messages[0].ID
			} else {
				s.oldestLoadedID = ""
			}
		}
		return Change{Kind: ChangeRemoved, Message: &removed}, true
	}
	return Change{}, false
}

// SendOptimistic appends a locally rendered entry for the draft and
// returns it. The entry carries a correlation id; the server echo with
// the same id replaces it instead of duplicating it.
func (s *Store) SendOptimistic(draft *model.Draft) model.Message {
	if draft.ClientID == "" {
		draft.ClientID = ids.Client()
	}

	msg := model.Message{
		ClientID:       draft.ClientID,
		ConversationID: s.conversationID,
		SenderID:       draft.SenderID,
		Content:        draft.Content,
		AttachmentURL:  draft.AttachmentURL,
		AttachmentName: draft.AttachmentName,
		SentAt:         model.Timestamp{Seconds: time.Now().Unix()},
		Delivery:       model.DeliverySending,
	}

	s.mu.Lock()
	s.insertSorted(msg)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeAppended, Message: &msg})
	return msg
}

// MarkFailed flips an optimistic entry to the failed state instead of
// removing it; the failure stays user-visible.
func (s *Store) MarkFailed(clientID string) {
	s.mu.Lock()
	i := s.indexOfClientID(clientID)
	var failed *model.Message
	if i >= 0 {
		s.messages[i].Delivery = model.DeliveryFailed
		cp := s.messages[i]
		failed = &cp
	}
	s.mu.Unlock()

	if failed != nil {
		s.notify(Change{Kind: ChangeDelivery, Message: failed})
	}
}

// Snapshot returns a copy of the buffer in display order.
func (s *Store) Snapshot() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Pagination returns the cursor state.
func (s *Store) Pagination() (oldestLoadedID string, hasMoreOlder bool, loadingOlder bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldestLoadedID, s.hasMoreOlder, s.loadingOlder
}

// Loaded reports whether the initial page has landed.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// UnreadCount counts loaded messages from other senders that the
// viewing user has not acknowledged.
func (s *Store) UnreadCount(selfID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID != selfID && !m.ReadByUser(selfID) {
			n++
		}
	}
	return n
}

func (s *Store) indexOfID(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexOfClientID(clientID string) int {
	for i := range s.messages {
		if s.messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// insertSorted keeps the buffer ordered by sentAt with ties broken by
// insertion order. Messages without a timestamp append at the tail and
// then hold that position: later stamped arrivals never scan past one,
// so unstamped entries stay anchored where they arrived.
func (s *Store) insertSorted(msg model.Message) {
	if msg.SentAt.IsZero() {
		s.messages = append(s.messages, msg)
		return
	}
	i := len(s.messages)
	for i > 0 {
		prev := s.messages[i-1]
		if !prev.SentAt.IsZero() && prev.SentAt.Seconds > msg.SentAt.Seconds {
			i--
			continue
		}
		break
	}
	s.messages = append(s.messages, model.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
}

// replaceSorted swaps the entry at i for msg, repositioning it when the
// server stamp differs from the optimistic local one.
func (s *Store) replaceSorted(i int, msg model.Message) {
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	s.insertSorted(msg)
}

func reversed(page []model.Message) []model.Message {
	out := make([]model.Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out
}
