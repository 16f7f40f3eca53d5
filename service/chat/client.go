// Package chat wires the client together: one shared broker session
// multiplexed across the conversation list and the active conversation,
// a REST fetch layer, presence, and the read/scroll coordination for
// whatever conversation is open.
package chat

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"chatlink/config"
	"chatlink/logger"
	"chatlink/model"
	"chatlink/service/auth"
	"chatlink/service/mux"
	"chatlink/service/presence"
	"chatlink/service/rest"
	"chatlink/service/roster"
	"chatlink/service/stomp"
	"chatlink/service/stream"
	"chatlink/service/topics"
	"chatlink/service/view"
	"chatlink/tools/errs"
)

// Client is the top-level chat client for one user.
type Client struct {
	selfID   string
	pageSize int

	session  *stomp.Session
	mux      *mux.Mux
	rest     *rest.Client
	presence *presence.Tracker
	roster   *roster.Roster

	mu           sync.Mutex
	activeID     string
	activeStore  *stream.Store
	activeCoord  *view.Coordinator
	activeCancel context.CancelFunc

	relayRelease func()
	opened       bool
}

// New builds a client from configuration. Nothing touches the network
// until Open.
func New(cfg *config.Config, selfID string) *Client {
	session := stomp.NewSession(stomp.Options{
		URL:            cfg.WS.BrokerURL,
		Token:          cfg.Auth.Token,
		Heartbeat:      cfg.Heartbeat(),
		ReconnectDelay: cfg.ReconnectDelay(),
	})
	m := mux.New(session)
	session.OnFrame(m.Dispatch)

	// anonymous backends exist (public demo instances); only attach a
	// credential when one is configured
	var tokens auth.TokenSource
	if cfg.Auth.Token != "" {
		tokens = auth.NewStatic(cfg.Auth.Token)
	}

	c := &Client{
		selfID:   selfID,
		pageSize: cfg.PageSize,
		session:  session,
		mux:      m,
		rest:     rest.NewClient(cfg.Rest.BaseURL, cfg.Rest.TimeoutMS, tokens),
		presence: presence.NewTracker(m),
	}
	c.roster = roster.New(m, selfID)
	c.roster.SetActive(c.activeState)
	session.OnReconnect(c.refreshAfterReconnect)
	return c
}

// Rest exposes the underlying REST client for calls the facade does not
// wrap.
func (c *Client) Rest() *rest.Client { return c.rest }

// Presence exposes the presence tracker.
func (c *Client) Presence() *presence.Tracker { return c.presence }

// Roster exposes the conversation list aggregator.
func (c *Client) Roster() *roster.Roster { return c.roster }

// Open connects the realtime session, subscribes presence, loads the
// conversation list and starts relaying topic events. Idempotent.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.presence.Connect(ctx); err != nil {
		return err
	}
	if err := c.roster.Load(ctx, c.rest); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.opened {
		c.opened = true
		c.relayRelease = c.roster.OnEvent(c.relayToActive)
	}
	c.mu.Unlock()

	logger.Infof("[chat] client open user=%s conversations=%d", c.selfID, len(c.roster.Snapshot()))
	return nil
}

// refreshAfterReconnect re-fetches the conversation list once the
// session is back after a gap; previews and unread counts catch up on
// anything broadcast while the connection was down.
func (c *Client) refreshAfterReconnect() {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	if !opened {
		return
	}
	if err := c.roster.Load(context.Background(), c.rest); err != nil {
		logger.Warnf("[chat] refresh after reconnect failed: %v", err)
	}
}

// relayToActive feeds decoded topic events into the open conversation's
// store; every other conversation only updates its summary.
func (c *Client) relayToActive(conversationID string, ev model.LiveEvent) {
	c.mu.Lock()
	store := c.activeStore
	if c.activeID != conversationID {
		store = nil
	}
	c.mu.Unlock()

	if store != nil {
		store.ApplyLive(ev)
	}
}

func (c *Client) activeState() (string, bool) {
	c.mu.Lock()
	id, coord := c.activeID, c.activeCoord
	c.mu.Unlock()
	return id, coord != nil && coord.AtBottom()
}

// Active is the handle to the currently open conversation.
type Active struct {
	ID          string
	Store       *stream.Store
	Coordinator *view.Coordinator
}

// SetActive opens a conversation: any in-flight pagination for the
// previously active one is canceled and its late results discarded,
// then the newest page is loaded and the unread badge cleared if the
// viewport starts at the bottom.
func (c *Client) SetActive(ctx context.Context, conversationID string, viewport view.Viewport) (*Active, error) {
	loadCtx, cancel := context.WithCancel(ctx)
	store := stream.NewStore(conversationID, c.pageSize, c.rest)
	coord := view.NewCoordinator(store, viewport, c.selfID,
		func() error {
			if err := c.rest.MarkRead(context.Background(), conversationID, c.selfID); err != nil {
				return err
			}
			// the roster counted messages that arrived while scrolled
			// up; reaching the bottom clears that badge too
			c.roster.ResetUnread(conversationID)
			return nil
		},
		func() error { return store.LoadOlder(loadCtx) },
	)

	c.mu.Lock()
	prevCancel, prevCoord := c.activeCancel, c.activeCoord
	c.activeID = conversationID
	c.activeStore = store
	c.activeCoord = coord
	c.activeCancel = cancel
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevCoord != nil {
		prevCoord.Close()
	}

	if err := store.LoadInitial(loadCtx); err != nil {
		return nil, err
	}
	if coord.AtBottom() {
		c.roster.ResetUnread(conversationID)
	}
	return &Active{ID: conversationID, Store: store, Coordinator: coord}, nil
}

// ClearActive closes the open conversation, stopping its pagination.
func (c *Client) ClearActive() {
	c.mu.Lock()
	cancel, coord := c.activeCancel, c.activeCoord
	c.activeID = ""
	c.activeStore = nil
	c.activeCoord = nil
	c.activeCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if coord != nil {
		coord.Close()
	}
}

// Send publishes a draft into the active conversation, rendering it
// optimistically first. A conversation still temporary is promoted
// through the create-chat call before the first publish. A publish
// that cannot go out leaves the local entry in the failed state and
// returns a transport error.
func (c *Client) Send(ctx context.Context, draft model.Draft) (model.Message, error) {
	c.mu.Lock()
	convID, store := c.activeID, c.activeStore
	c.mu.Unlock()
	if store == nil {
		return model.Message{}, errs.Transport("no active conversation")
	}

	if summary, ok := c.roster.Summary(convID); ok && summary.IsTemporary {
		confirmed, err := c.confirmConversation(ctx, summary)
		if err != nil {
			return model.Message{}, err
		}
		// the store keyed by the temporary id is rebuilt under the
		// confirmed id; buffer is empty at this point by construction
		if _, err := c.SetActive(ctx, confirmed.ID, c.viewportOf()); err != nil {
			return model.Message{}, err
		}
		c.mu.Lock()
		convID, store = c.activeID, c.activeStore
		c.mu.Unlock()
	}

	draft.SenderID = c.selfID
	msg := store.SendOptimistic(&draft)

	payload, err := json.Marshal(draft)
	if err != nil {
		store.MarkFailed(draft.ClientID)
		return msg, errs.TransportWrap(err, "encode draft")
	}
	if !c.mux.Publish(topics.SendDestination(convID), payload) {
		store.MarkFailed(draft.ClientID)
		return msg, errs.Transport("send failed: session not ready")
	}
	return msg, nil
}

// confirmConversation promotes a temporary conversation into a
// server-confirmed one, reusing an existing chat when the backend
// already has one for the same participant set.
func (c *Client) confirmConversation(ctx context.Context, tmp model.ConversationSummary) (model.ConversationSummary, error) {
	if existingID, err := c.rest.ChatExists(ctx, tmp.Participants); err == nil && existingID != "" {
		confirmed := tmp
		confirmed.ID = existingID
		c.roster.Promote(tmp.ID, confirmed)
		return confirmed, nil
	}

	created, err := c.rest.CreateChat(ctx, rest.CreateChatRequest{
		Participants: tmp.Participants,
		Type:         tmp.Kind,
		GroupName:    tmp.Name,
	})
	if err != nil {
		return model.ConversationSummary{}, err
	}
	c.roster.Promote(tmp.ID, *created)
	return *created, nil
}

// viewportOf returns the active coordinator's viewport so a promotion
// can rebuild the conversation against the same UI surface.
func (c *Client) viewportOf() view.Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeCoord != nil {
		return c.activeCoord.Viewport()
	}
	return nil
}

// Edit rewrites a message. An id the server no longer knows is a
// no-op; the delete/edit broadcast keeps all clients consistent.
func (c *Client) Edit(ctx context.Context, messageID string, update rest.MessageUpdate) error {
	_, err := c.rest.EditMessage(ctx, messageID, update)
	if errs.IsNotFound(err) {
		return nil
	}
	return err
}

// Delete removes a message; unknown ids are a no-op.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	err := c.rest.DeleteMessage(ctx, messageID)
	if errs.IsNotFound(err) {
		return nil
	}
	return err
}

// MarkRead acknowledges every unread message in a conversation and
// clears its badge.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	if err := c.rest.MarkRead(ctx, conversationID, c.selfID); err != nil {
		return err
	}
	c.roster.ResetUnread(conversationID)
	return nil
}

// Participants fetches a conversation's member profiles and seeds the
// presence map from their isOnline snapshot. Live status events keep
// overriding the seeds.
func (c *Client) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	list, err := c.rest.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		c.presence.Seed(list[i].ID, list[i].IsOnline)
	}
	return list, nil
}

// LeaveConversation deletes a chat server-side and untracks it locally.
func (c *Client) LeaveConversation(ctx context.Context, conversationID string) error {
	if err := c.rest.DeleteChat(ctx, conversationID); err != nil && !errs.IsNotFound(err) {
		return err
	}
	c.mu.Lock()
	isActive := c.activeID == conversationID
	c.mu.Unlock()
	if isActive {
		c.ClearActive()
	}
	c.roster.Untrack(conversationID)
	return nil
}

// SetOnline publishes the viewing user's own status over REST; presence
// for everyone else remains inbound-only.
func (c *Client) SetOnline(ctx context.Context, online bool) error {
	return c.rest.UpdateStatus(ctx, c.selfID, online)
}

// Close tears everything down: active conversation, roster
// subscriptions, presence and the shared session.
func (c *Client) Close() error {
	c.ClearActive()

	c.mu.Lock()
	release := c.relayRelease
	c.relayRelease = nil
	c.opened = false
	c.mu.Unlock()
	if release != nil {
		release()
	}

	c.roster.Close()
	c.presence.Close()
	return c.mux.Close()
}
