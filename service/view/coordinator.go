// Package view coordinates read receipts, auto-scroll and backward
// pagination for the active conversation. It owns no pixels: the UI
// feeds it sentinel visibility and implements the Viewport it drives.
package view

import (
	"sync"

	"chatlink/logger"
	"chatlink/model"
	"chatlink/service/stream"
)

// Viewport is the UI surface the coordinator steers.
type Viewport interface {
	// ScrollToBottom jumps to the stream end.
	ScrollToBottom()
	// ScrollBy shifts the scroll offset by delta height units; used to
	// keep the visual anchor still across a prepend.
	ScrollBy(delta float64)
	// HeightOf reports the rendered height of the count messages most
	// recently prepended at the top.
	HeightOf(prepended int) float64
	// ShowNewMessages toggles the unseen-messages affordance.
	ShowNewMessages(visible bool)
}

// Coordinator is the read/scroll state machine of one open
// conversation.
type Coordinator struct {
	store    *stream.Store
	viewport Viewport
	selfID   string

	// markRead posts the read receipt; loadOlder pulls the next older
	// page. Both are wired by the owner and may do network work.
	markRead  func() error
	loadOlder func() error

	mu         sync.Mutex
	isAtBottom bool
	hasUnread  bool
	topEnabled bool

	unwatch func()
}

// NopViewport discards every instruction; useful headless.
type NopViewport struct{}

func (NopViewport) ScrollToBottom()      {}
func (NopViewport) ScrollBy(float64)     {}
func (NopViewport) HeightOf(int) float64 { return 0 }
func (NopViewport) ShowNewMessages(bool) {}

func NewCoordinator(store *stream.Store, viewport Viewport, selfID string, markRead, loadOlder func() error) *Coordinator {
	if viewport == nil {
		viewport = NopViewport{}
	}
	c := &Coordinator{
		store:      store,
		viewport:   viewport,
		selfID:     selfID,
		markRead:   markRead,
		loadOlder:  loadOlder,
		isAtBottom: true,
		topEnabled: true,
	}
	c.unwatch = store.OnChange(c.onStoreChange)
	return c
}

// Close detaches the coordinator from its store.
func (c *Coordinator) Close() {
	if c.unwatch != nil {
		c.unwatch()
	}
}

// Viewport returns the viewport the coordinator drives.
func (c *Coordinator) Viewport() Viewport {
	return c.viewport
}

// AtBottom reports whether the viewport currently touches the bottom
// sentinel.
func (c *Coordinator) AtBottom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAtBottom
}

// HasUnread reports whether unacknowledged foreign messages are
// pending.
func (c *Coordinator) HasUnread() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasUnread
}

// BottomVisible is fed by the UI whenever the bottom sentinel enters or
// leaves the viewport. Reaching the bottom acknowledges pending unread
// messages exactly once.
func (c *Coordinator) BottomVisible(visible bool) {
	c.mu.Lock()
	c.isAtBottom = visible
	c.mu.Unlock()

	if !visible {
		return
	}
	c.viewport.ShowNewMessages(false)
	c.ackIfUnread()
}

// TopVisible is fed by the UI when the top sentinel becomes visible.
// Triggers one backward page; the trigger stays disabled until the
// prepend has completed and scroll was compensated.
func (c *Coordinator) TopVisible() {
	_, hasMore, loading := c.store.Pagination()

	c.mu.Lock()
	if !c.topEnabled || !hasMore || loading || !c.store.Loaded() {
		c.mu.Unlock()
		return
	}
	c.topEnabled = false
	c.mu.Unlock()

	if err := c.loadOlder(); err != nil {
		logger.Warnf("[view] load older failed: %v", err)
		c.mu.Lock()
		c.topEnabled = true
		c.mu.Unlock()
	}
}

// TopEnabled reports whether the top sentinel trigger is armed.
func (c *Coordinator) TopEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topEnabled
}

// ackIfUnread posts the read receipt only when something is actually
// unread, so redundant bottom signals cost no network calls.
func (c *Coordinator) ackIfUnread() {
	c.mu.Lock()
	if !c.hasUnread {
		c.mu.Unlock()
		return
	}
	c.hasUnread = false
	c.mu.Unlock()

	if err := c.markRead(); err != nil {
		logger.Warnf("[view] mark read failed: %v", err)
		c.mu.Lock()
		c.hasUnread = true
		c.mu.Unlock()
	}
}

func (c *Coordinator) onStoreChange(ch stream.Change) {
	switch ch.Kind {
	case stream.ChangeLoaded:
		if c.store.UnreadCount(c.selfID) > 0 {
			c.mu.Lock()
			c.hasUnread = true
			c.mu.Unlock()
		}
		c.viewport.ScrollToBottom()
		c.mu.Lock()
		atBottom := c.isAtBottom
		c.mu.Unlock()
		if atBottom {
			c.ackIfUnread()
		}

	case stream.ChangePrepended:
		if ch.Prepended > 0 {
			c.viewport.ScrollBy(c.viewport.HeightOf(ch.Prepended))
		}
		c.mu.Lock()
		c.topEnabled = true
		c.mu.Unlock()

	case stream.ChangeAppended:
		c.onAppended(ch.Message)
	}
}

func (c *Coordinator) onAppended(msg *model.Message) {
	foreign := msg != nil && msg.SenderID != c.selfID

	c.mu.Lock()
	atBottom := c.isAtBottom
	if foreign {
		c.hasUnread = true
	}
	c.mu.Unlock()

	if atBottom {
		c.viewport.ScrollToBottom()
		c.ackIfUnread()
		return
	}
	if foreign {
		c.viewport.ShowNewMessages(true)
	}
}
