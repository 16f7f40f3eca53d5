// Package presence tracks which users are online, fed by the shared
// user-status topic. The map is updated only by inbound events; the
// client never asserts another user's status locally.
package presence

import (
	"context"
	"sync"

	"chatlink/logger"
	"chatlink/model"
	"chatlink/service/mux"
	"chatlink/service/topics"
)

// UpdateFunc observes one presence change.
type UpdateFunc = func(ev model.PresenceEvent)

// Tracker is the presence map plus its observer list.
type Tracker struct {
	mux *mux.Mux

	mu        sync.Mutex
	online    map[string]bool
	watchers  map[int]UpdateFunc
	nextWatch int
	release   mux.UnsubscribeFunc
}

func NewTracker(m *mux.Mux) *Tracker {
	return &Tracker{
		mux:      m,
		online:   make(map[string]bool),
		watchers: make(map[int]UpdateFunc),
	}
}

// Connect joins the shared session and subscribes the fixed presence
// topic. Idempotent.
func (t *Tracker) Connect(ctx context.Context) error {
	if err := t.mux.Connect(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	already := t.release != nil
	t.mu.Unlock()
	if already {
		return nil
	}

	release, err := t.mux.Subscribe(topics.UserStatus, t.handleFrame)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.release != nil {
		// lost the race against a concurrent Connect
		t.mu.Unlock()
		release()
		return nil
	}
	t.release = release
	t.mu.Unlock()
	return nil
}

func (t *Tracker) handleFrame(payload []byte) {
	ev, err := model.DecodePresenceEvent(payload)
	if err != nil {
		logger.Warnf("[presence] drop bad frame: %v", err)
		return
	}
	if ev.UserID == "" {
		return
	}

	t.mu.Lock()
	t.online[ev.UserID] = ev.IsOnline
	observers := make([]UpdateFunc, 0, len(t.watchers))
	for _, fn := range t.watchers {
		observers = append(observers, fn)
	}
	t.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// OnUpdate registers interest in presence changes and returns the
// release function for that registration.
func (t *Tracker) OnUpdate(fn UpdateFunc) func() {
	t.mu.Lock()
	id := t.nextWatch
	t.nextWatch++
	t.watchers[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers, id)
			t.mu.Unlock()
		})
	}
}

// Status returns the last known online flag for the user; ok is false
// when no event for them has been seen.
func (t *Tracker) Status(userID string) (online bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	online, ok = t.online[userID]
	return
}

// Seed primes statuses from a REST snapshot (chat participants carry an
// isOnline flag). Live events overwrite seeds; seeds never overwrite a
// live value.
func (t *Tracker) Seed(userID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, known := t.online[userID]; !known {
		t.online[userID] = online
	}
}

// Close drops the topic subscription and observers.
func (t *Tracker) Close() {
	t.mu.Lock()
	release := t.release
	t.release = nil
	t.watchers = make(map[int]UpdateFunc)
	t.mu.Unlock()
	if release != nil {
		release()
	}
}
