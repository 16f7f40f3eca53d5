// Package roster aggregates the conversation list: it subscribes every
// conversation topic the user is part of, folds live events into the
// per-conversation summaries (preview, last time, unread count) and
// relays the decoded events so the active conversation's store consumes
// the same stream instead of decoding twice.
package roster

import (
	"context"
	"sort"
	"sync"

	"chatlink/logger"
	"chatlink/model"
	"chatlink/service/mux"
	"chatlink/service/topics"
	"chatlink/tools/ids"
)

// Fetcher is the REST slice the roster seeds from.
type Fetcher interface {
	Conversations(ctx context.Context, userID string) ([]model.ConversationSummary, error)
}

// EventFunc observes every decoded live event, keyed by conversation.
type EventFunc = func(conversationID string, ev model.LiveEvent)

// ActiveFunc reports which conversation is open and whether its
// viewport is at the bottom; unread accounting depends on both.
type ActiveFunc = func() (conversationID string, atBottom bool)

// Roster is the summary aggregator. It owns its summaries exclusively;
// message stores never write here.
type Roster struct {
	mux    *mux.Mux
	selfID string

	mu        sync.Mutex
	summaries map[string]*model.ConversationSummary
	releases  map[string]mux.UnsubscribeFunc
	active    ActiveFunc

	watchers  map[int]func(conversationID string)
	relays    map[int]EventFunc
	nextWatch int
}

func New(m *mux.Mux, selfID string) *Roster {
	return &Roster{
		mux:       m,
		selfID:    selfID,
		summaries: make(map[string]*model.ConversationSummary),
		releases:  make(map[string]mux.UnsubscribeFunc),
		watchers:  make(map[int]func(string)),
		relays:    make(map[int]EventFunc),
	}
}

// SetActive wires the provider used for unread accounting.
func (r *Roster) SetActive(fn ActiveFunc) {
	r.mu.Lock()
	r.active = fn
	r.mu.Unlock()
}

// Load seeds the roster from REST and subscribes every conversation
// topic.
func (r *Roster) Load(ctx context.Context, fetch Fetcher) error {
	list, err := fetch.Conversations(ctx, r.selfID)
	if err != nil {
		return err
	}
	for i := range list {
		r.Track(list[i])
	}
	return nil
}

// Track inserts (or refreshes) a summary and subscribes its topic.
// Temporary conversations have no server topic yet and are only
// inserted.
func (r *Roster) Track(summary model.ConversationSummary) {
	convID := summary.ID

	r.mu.Lock()
	cp := summary
	r.summaries[convID] = &cp
	needSub := !summary.IsTemporary && r.releases[convID] == nil
	r.mu.Unlock()

	if needSub {
		release, err := r.mux.Subscribe(topics.Conversation(convID), func(payload []byte) {
			r.handleFrame(convID, payload)
		})
		if err != nil {
			logger.Warnf("[roster] subscribe %s failed: %v", convID, err)
		} else {
			r.mu.Lock()
			if r.releases[convID] != nil || r.summaries[convID] == nil {
				// raced with another Track or an Untrack
				r.mu.Unlock()
				release()
			} else {
				r.releases[convID] = release
				r.mu.Unlock()
			}
		}
	}

	r.notify(convID)
}

// Untrack removes a conversation (left or deleted) and drops its topic
// subscription.
func (r *Roster) Untrack(conversationID string) {
	r.mu.Lock()
	release := r.releases[conversationID]
	delete(r.releases, conversationID)
	delete(r.summaries, conversationID)
	r.mu.Unlock()

	if release != nil {
		release()
	}
	r.notify(conversationID)
}

// NewTemporary creates the client-local conversation that exists until
// the first message is sent. When a conversation with the same
// participant set is already known, that one is returned instead; the
// aggregator never holds two rows for one participant set.
func (r *Roster) NewTemporary(kind model.Kind, name string, participants []string) model.ConversationSummary {
	r.mu.Lock()
	for _, s := range r.summaries {
		if s.Kind == kind && s.SameParticipants(participants) {
			cp := *s
			r.mu.Unlock()
			return cp
		}
	}
	tmp := model.ConversationSummary{
		ID:           ids.TempConversation(),
		Kind:         kind,
		Name:         name,
		Participants: participants,
		IsTemporary:  true,
	}
	r.summaries[tmp.ID] = &tmp
	cp := tmp
	r.mu.Unlock()

	r.notify(cp.ID)
	return cp
}

// Promote atomically replaces a temporary conversation with its
// server-confirmed successor: same identity slot, new id, topic
// subscribed.
func (r *Roster) Promote(tempID string, confirmed model.ConversationSummary) {
	r.mu.Lock()
	delete(r.summaries, tempID)
	r.mu.Unlock()

	confirmed.IsTemporary = false
	r.Track(confirmed)
	r.notify(tempID)
}

func (r *Roster) handleFrame(conversationID string, payload []byte) {
	ev, err := model.DecodeLiveEvent(payload)
	if err != nil {
		logger.Warnf("[roster] drop bad frame for %s: %v", conversationID, err)
		return
	}

	r.Apply(conversationID, ev)

	r.mu.Lock()
	relays := make([]EventFunc, 0, len(r.relays))
	for _, fn := range r.relays {
		relays = append(relays, fn)
	}
	r.mu.Unlock()
	for _, fn := range relays {
		fn(conversationID, ev)
	}
}

// Apply folds one live event into the conversation's summary. Events
// for unknown conversations are dropped.
func (r *Roster) Apply(conversationID string, ev model.LiveEvent) {
	// resolve active state before taking the roster lock; the provider
	// reaches into the owner's state
	r.mu.Lock()
	activeFn := r.active
	r.mu.Unlock()
	activeAtBottom := false
	if activeFn != nil {
		id, atBottom := activeFn()
		activeAtBottom = id == conversationID && atBottom
	}

	r.mu.Lock()
	s, ok := r.summaries[conversationID]
	if !ok {
		r.mu.Unlock()
		return
	}

	switch ev.Kind {
	case model.EventSent:
		s.LastMessage = ev.Message.Preview()
		s.LastMessageID = ev.Message.ID
		s.LastMessageTime = ev.Message.SentAt
		if ev.Message.SenderID != r.selfID && !activeAtBottom {
			s.Unread++
		}

	case model.EventEdited:
		if ev.Latest != nil {
			s.LastMessage = ev.Latest.Preview()
			s.LastMessageID = ev.Latest.ID
			s.LastMessageTime = ev.Latest.SentAt
		} else if s.LastMessageID == ev.Message.ID {
			s.LastMessage = ev.Message.Preview()
		}

	case model.EventDeleted:
		if ev.Latest != nil {
			s.LastMessage = ev.Latest.Preview()
			s.LastMessageID = ev.Latest.ID
			s.LastMessageTime = ev.Latest.SentAt
		} else if s.LastMessageID == ev.Message.ID {
			s.LastMessage = ""
			s.LastMessageID = ""
		}
		if ev.Message.SenderID != r.selfID && s.Unread > 0 {
			s.Unread--
		}
	}
	r.mu.Unlock()

	r.notify(conversationID)
}

// ResetUnread zeroes a conversation's unread count; called whenever
// its messages have just been acknowledged.
func (r *Roster) ResetUnread(conversationID string) {
	r.mu.Lock()
	if s, ok := r.summaries[conversationID]; ok && s.Unread != 0 {
		s.Unread = 0
		r.mu.Unlock()
		r.notify(conversationID)
		return
	}
	r.mu.Unlock()
}

// Summary returns a copy of one conversation's summary.
func (r *Roster) Summary(conversationID string) (model.ConversationSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.summaries[conversationID]; ok {
		return *s, true
	}
	return model.ConversationSummary{}, false
}

// Snapshot returns all summaries, newest activity first.
func (r *Roster) Snapshot() []model.ConversationSummary {
	r.mu.Lock()
	out := make([]model.ConversationSummary, 0, len(r.summaries))
	for _, s := range r.summaries {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.Seconds > out[j].LastMessageTime.Seconds
	})
	return out
}

// TotalUnread sums unread counts across all conversations.
func (r *Roster) TotalUnread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.summaries {
		n += s.Unread
	}
	return n
}

// OnChange registers a summary-change observer keyed by conversation
// id.
func (r *Roster) OnChange(fn func(conversationID string)) func() {
	r.mu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, id)
			r.mu.Unlock()
		})
	}
}

// OnEvent registers a live-event relay (the active conversation's store
// feeds from this).
func (r *Roster) OnEvent(fn EventFunc) func() {
	r.mu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.relays[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.relays, id)
			r.mu.Unlock()
		})
	}
}

func (r *Roster) notify(conversationID string) {
	r.mu.Lock()
	observers := make([]func(string), 0, len(r.watchers))
	for _, fn := range r.watchers {
		observers = append(observers, fn)
	}
	r.mu.Unlock()

	for _, fn := range observers {
		fn(conversationID)
	}
}

// Close drops every topic subscription.
func (r *Roster) Close() {
	r.mu.Lock()
	releases := make([]mux.UnsubscribeFunc, 0, len(r.releases))
	for _, rel := range r.releases {
		releases = append(releases, rel)
	}
	r.releases = make(map[string]mux.UnsubscribeFunc)
	r.mu.Unlock()

	for _, rel := range releases {
		rel()
	}
}
