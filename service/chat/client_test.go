package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/config"
	"chatlink/model"
	"chatlink/service/rest"
	"chatlink/tools/errs"
)

// newTestClient wires the facade against an httptest REST backend. The
// realtime broker stays unreachable, so publishes fail fast instead of
// hanging.
func newTestClient(t *testing.T, backend http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Rest.BaseURL = srv.URL
	cfg.Rest.TimeoutMS = 5 * time.Second
	cfg.WS.BrokerURL = "ws://127.0.0.1:1/ws"
	cfg.PageSize = 2

	c := New(cfg, "u1")
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func pageOf(msgs ...model.Message) []model.Message { return msgs }

func msg(id, convID string, seconds int64, sender, content string) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		SentAt:         model.Timestamp{Seconds: seconds},
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestSetActiveLoadsNewestPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/messages/chat/c1", r.URL.Path)
		writeJSON(t, w, pageOf(msg("m2", "c1", 20, "u2", "newer"), msg("m1", "c1", 10, "u2", "older")))
	})
	c.Roster().Track(model.ConversationSummary{ID: "c1", Kind: model.KindDirect, Participants: []string{"u1", "u2"}})

	active, err := c.SetActive(context.Background(), "c1", nil)
	require.NoError(t, err)
	require.NotNil(t, active)

	snap := active.Store.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "m1", snap[0].ID, "buffer runs oldest to newest")
	assert.Equal(t, "m2", snap[1].ID)
	assert.True(t, active.Coordinator.AtBottom())
}

func TestSendWithoutActiveConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, pageOf())
	})

	_, err := c.Send(context.Background(), model.Draft{Content: "hi"})
	assert.ErrorIs(t, err, errs.ErrTransport)
}

func TestSendOfflineMarksEntryFailed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, pageOf())
	})
	c.Roster().Track(model.ConversationSummary{ID: "c1", Kind: model.KindDirect, Participants: []string{"u1", "u2"}})

	active, err := c.SetActive(context.Background(), "c1", nil)
	require.NoError(t, err)

	sent, err := c.Send(context.Background(), model.Draft{Content: "hi"})
	assert.ErrorIs(t, err, errs.ErrTransport, "the broker is unreachable")
	require.NotEmpty(t, sent.ClientID)
	assert.Equal(t, "u1", sent.SenderID)

	snap := active.Store.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, model.DeliveryFailed, snap[0].Delivery, "the failed entry stays visible")
	assert.Equal(t, sent.ClientID, snap[0].ClientID)
}

func TestSendPromotesTemporaryConversation(t *testing.T) {
	var createdReq map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/messages/chat/"):
			writeJSON(t, w, pageOf())
		case r.URL.Path == "/api/chats/isExisted":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/api/chats":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&createdReq))
			writeJSON(t, w, map[string]interface{}{
				"chatId":       "c9",
				"type":         "DIRECT",
				"participants": []string{"u1", "u2"},
			})
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	tmp := c.Roster().NewTemporary(model.KindDirect, "", []string{"u1", "u2"})
	require.True(t, tmp.IsTemporary)

	_, err := c.SetActive(context.Background(), tmp.ID, nil)
	require.NoError(t, err)

	_, err = c.Send(context.Background(), model.Draft{Content: "first"})
	assert.ErrorIs(t, err, errs.ErrTransport, "publish still fails offline, after promotion")

	_, stillThere := c.Roster().Summary(tmp.ID)
	assert.False(t, stillThere, "the temporary row was replaced")

	s, ok := c.Roster().Summary("c9")
	require.True(t, ok)
	assert.False(t, s.IsTemporary)
	assert.Equal(t, []interface{}{"u1", "u2"}, createdReq["participants"])

	c.mu.Lock()
	activeID := c.activeID
	c.mu.Unlock()
	assert.Equal(t, "c9", activeID, "the open conversation follows the confirmed id")
}

func TestSendReusesExistingConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/messages/chat/"):
			writeJSON(t, w, pageOf())
		case r.URL.Path == "/api/chats/isExisted":
			writeJSON(t, w, "c5")
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	tmp := c.Roster().NewTemporary(model.KindDirect, "", []string{"u1", "u2"})
	_, err := c.SetActive(context.Background(), tmp.ID, nil)
	require.NoError(t, err)

	_, err = c.Send(context.Background(), model.Draft{Content: "hello again"})
	assert.ErrorIs(t, err, errs.ErrTransport)

	_, ok := c.Roster().Summary("c5")
	assert.True(t, ok, "the backend's existing chat id is adopted")
}

func TestEditAndDeleteSwallowNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	assert.NoError(t, c.Edit(context.Background(), "m404", rest.MessageUpdate{Content: "x"}))
	assert.NoError(t, c.Delete(context.Background(), "m404"))
}

func TestLeaveConversation(t *testing.T) {
	var deleted []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/messages/chat/"):
			writeJSON(t, w, pageOf())
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/chats/"):
			deleted = append(deleted, strings.TrimPrefix(r.URL.Path, "/api/chats/"))
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	c.Roster().Track(model.ConversationSummary{ID: "c1", Kind: model.KindDirect, Participants: []string{"u1", "u2"}})

	_, err := c.SetActive(context.Background(), "c1", nil)
	require.NoError(t, err)

	require.NoError(t, c.LeaveConversation(context.Background(), "c1"))
	assert.Equal(t, []string{"c1"}, deleted)

	_, ok := c.Roster().Summary("c1")
	assert.False(t, ok)

	_, err = c.Send(context.Background(), model.Draft{Content: "ghost"})
	assert.Error(t, err, "the left conversation is no longer active")
}

func TestParticipantsSeedPresence(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chats/c1/participants", r.URL.Path)
		writeJSON(t, w, []map[string]interface{}{
			{"id": "u2", "firstName": "Ada", "isOnline": true},
			{"id": "u3", "firstName": "Brin", "isOnline": false},
		})
	})

	list, err := c.Participants(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	online, known := c.Presence().Status("u2")
	require.True(t, known)
	assert.True(t, online)
	online, known = c.Presence().Status("u3")
	require.True(t, known)
	assert.False(t, online)
}

func TestMarkReadClearsBadge(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})
	c.Roster().Track(model.ConversationSummary{ID: "c1", Kind: model.KindDirect, Participants: []string{"u1", "u2"}, Unread: 3})

	require.NoError(t, c.MarkRead(context.Background(), "c1"))
	assert.Equal(t, "/api/messages/c1/read", gotPath)

	s, ok := c.Roster().Summary("c1")
	require.True(t, ok)
	assert.Zero(t, s.Unread)
}

func TestNoCredentialSendsNoAuthHeader(t *testing.T) {
	var authHeader string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		writeJSON(t, w, pageOf(msg("m1", "c1", 10, "u2", "hi")))
	})
	c.Roster().Track(model.ConversationSummary{ID: "c1", Kind: model.KindDirect, Participants: []string{"u1", "u2"}})

	active, err := c.SetActive(context.Background(), "c1", nil)
	require.NoError(t, err, "an anonymous client can still call the backend")
	assert.Empty(t, authHeader, "no configured token means no Authorization header")
	assert.Len(t, active.Store.Snapshot(), 1)
}

func TestReturnToBottomClearsBadge(t *testing.T) {
	var readHits int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/messages/chat/"):
			writeJSON(t, w, pageOf())
		case r.Method == http.MethodPut && r.URL.Path == "/api/messages/c1/read":
			readHits++
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	c.Roster().Track(model.ConversationSummary{ID: "c1", Kind: model.KindDirect, Participants: []string{"u1", "u2"}})

	active, err := c.SetActive(context.Background(), "c1", nil)
	require.NoError(t, err)

	// scroll away, then a foreign message arrives
	active.Coordinator.BottomVisible(false)
	ev := model.LiveEvent{Kind: model.EventSent, Message: msg("m9", "c1", 30, "u2", "ping")}
	c.Roster().Apply("c1", ev)
	active.Store.ApplyLive(ev)

	s, ok := c.Roster().Summary("c1")
	require.True(t, ok)
	require.Equal(t, 1, s.Unread, "scrolled away, the badge counts the arrival")

	active.Coordinator.BottomVisible(true)
	assert.Equal(t, 1, readHits, "reaching the bottom acknowledges the message")

	s, _ = c.Roster().Summary("c1")
	assert.Zero(t, s.Unread, "the receipt also clears the badge")
}

func TestReconnectRefreshesRoster(t *testing.T) {
	var listHits int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chats/user/u1", r.URL.Path)
		listHits++
		writeJSON(t, w, []model.ConversationSummary{{
			ID:           "c1",
			Kind:         model.KindDirect,
			Participants: []string{"u1", "u2"},
			UnreadCounts: map[string]int{"u1": 2},
		}})
	})

	c.refreshAfterReconnect()
	assert.Zero(t, listHits, "nothing to refresh before the client is open")

	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()

	c.refreshAfterReconnect()
	require.Equal(t, 1, listHits)

	s, ok := c.Roster().Summary("c1")
	require.True(t, ok)
	assert.Equal(t, 2, s.Unread, "the refetched list carries this user's unread count")
}

func TestSetActiveResetsUnreadWhenAtBottom(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, pageOf())
	})
	summary := model.ConversationSummary{ID: "c1", Kind: model.KindDirect, Participants: []string{"u1", "u2"}, Unread: 4}
	c.Roster().Track(summary)

	_, err := c.SetActive(context.Background(), "c1", nil)
	require.NoError(t, err)

	s, ok := c.Roster().Summary("c1")
	require.True(t, ok)
	assert.Zero(t, s.Unread, "opening at the bottom clears the badge")
}
