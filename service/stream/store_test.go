package stream

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/model"
)

// fakeFetcher serves canned newest-first pages keyed by cursor.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string][]model.Message
	err   error
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string][]model.Message)}
}

func (f *fakeFetcher) Messages(ctx context.Context, chatID, lastMsgID string, size int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lastMsgID)
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[lastMsgID], nil
}

func msg(id string, seconds int64, sender string) model.Message {
	return model.Message{
		ID:       id,
		SenderID: sender,
		Content:  "msg " + id,
		SentAt:   model.Timestamp{Seconds: seconds},
	}
}

func msgIDs(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestLoadInitialReversesPage(t *testing.T) {
	f := newFakeFetcher()
	// the API serves newest first
	f.pages[""] = []model.Message{msg("m3", 30, "u2"), msg("m2", 20, "u2"), msg("m1", 10, "u1")}

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	assert.Equal(t, []string{"m1", "m2", "m3"}, msgIDs(s.Snapshot()), "buffer is oldest first")

	oldest, hasMore, loading := s.Pagination()
	assert.Equal(t, "m1", oldest)
	assert.True(t, hasMore, "a full page implies more history")
	assert.False(t, loading)
	assert.True(t, s.Loaded())
}

func TestLoadInitialShortPageExhaustsHistory(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m1", 10, "u1")}

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	_, hasMore, _ := s.Pagination()
	assert.False(t, hasMore)
}

func TestLoadOlderPrependsAndMovesCursor(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m4", 40, "u2"), msg("m3", 30, "u2")}
	f.pages["m3"] = []model.Message{msg("m2", 20, "u1"), msg("m1", 10, "u1")}

	s := NewStore("c1", 2, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	var prepends []int
	s.OnChange(func(ch Change) {
		if ch.Kind == ChangePrepended {
			prepends = append(prepends, ch.Prepended)
		}
	})

	require.NoError(t, s.LoadOlder(context.Background()))

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, msgIDs(s.Snapshot()))
	oldest, _, _ := s.Pagination()
	assert.Equal(t, "m1", oldest)
	assert.Equal(t, []int{2}, prepends, "scroll compensation needs the prepended count")
	assert.Equal(t, []string{"", "m3"}, f.calls, "second fetch used the cursor")
}

func TestLoadOlderBeforeInitialIsNoop(t *testing.T) {
	f := newFakeFetcher()
	s := NewStore("c1", 2, f)

	require.NoError(t, s.LoadOlder(context.Background()))
	assert.Empty(t, f.calls)
}

func TestLoadOlderExhaustedIsNoop(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m1", 10, "u1")}

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	require.NoError(t, s.LoadOlder(context.Background()))
	assert.Equal(t, []string{""}, f.calls, "no fetch once history is exhausted")
}

func TestLoadOlderSkipsIDsAlreadyBuffered(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m3", 30, "u2"), msg("m2", 20, "u2")}
	f.pages["m2"] = []model.Message{msg("m2", 20, "u2"), msg("m1", 10, "u1")}

	s := NewStore("c1", 2, f)
	require.NoError(t, s.LoadInitial(context.Background()))
	require.NoError(t, s.LoadOlder(context.Background()))

	assert.Equal(t, []string{"m1", "m2", "m3"}, msgIDs(s.Snapshot()), "ids already buffered are not duplicated")
}

func TestApplyLiveBeforeLoadIsBufferedAndReplayed(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m2", 20, "u2"), msg("m1", 10, "u1")}

	s := NewStore("c1", 3, f)

	// both frames arrive before the initial page; one is also in it
	s.ApplyLive(model.LiveEvent{Kind: model.EventSent, Message: msg("m2", 20, "u2")})
	s.ApplyLive(model.LiveEvent{Kind: model.EventSent, Message: msg("m3", 30, "u2")})
	assert.Empty(t, s.Snapshot(), "nothing shows before the initial page")

	require.NoError(t, s.LoadInitial(context.Background()))
	assert.Equal(t, []string{"m1", "m2", "m3"}, msgIDs(s.Snapshot()), "replay is deduplicated")
}

func TestApplyLiveDuplicateSuppressed(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m1", 10, "u1")}

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	var appended int
	s.OnChange(func(ch Change) {
		if ch.Kind == ChangeAppended {
			appended++
		}
	})

	ev := model.LiveEvent{Kind: model.EventSent, Message: msg("m2", 20, "u2")}
	s.ApplyLive(ev)
	s.ApplyLive(ev)
	s.ApplyLive(ev)

	assert.Equal(t, []string{"m1", "m2"}, msgIDs(s.Snapshot()))
	assert.Equal(t, 1, appended, "duplicates notify nobody")
}

func TestApplyLiveKeepsOrderForLateArrivals(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m3", 30, "u2"), msg("m1", 10, "u1")}

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	// m2 was broadcast while we were fetching and arrives after m3
	s.ApplyLive(model.LiveEvent{Kind: model.EventSent, Message: msg("m2", 20, "u2")})
	assert.Equal(t, []string{"m1", "m2", "m3"}, msgIDs(s.Snapshot()))
}

func TestApplyLiveUnstampedStaysAnchored(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m1", 10, "u1")}

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	// mX carries no timestamp and lands after m1
	s.ApplyLive(model.LiveEvent{Kind: model.EventSent, Message: msg("mX", 0, "u2")})
	// a later stamped arrival sorts after mX, not before it
	s.ApplyLive(model.LiveEvent{Kind: model.EventSent, Message: msg("m2", 5, "u2")})

	assert.Equal(t, []string{"m1", "mX", "m2"}, msgIDs(s.Snapshot()))
}

func TestOptimisticSendReconciledByClientID(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = nil

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	draft := model.Draft{SenderID: "u1", Content: "hello"}
	local := s.SendOptimistic(&draft)
	require.NotEmpty(t, local.ClientID)
	assert.Equal(t, model.DeliverySending, local.Delivery)
	assert.Empty(t, local.ID, "no server id before the echo")

	echo := msg("m9", local.SentAt.Seconds, "u1")
	echo.ClientID = local.ClientID
	s.ApplyLive(model.LiveEvent{Kind: model.EventSent, Message: echo})

	snap := s.Snapshot()
	require.Len(t, snap, 1, "the echo replaces the optimistic entry")
	assert.Equal(t, "m9", snap[0].ID)
	assert.Equal(t, model.DeliveryDelivered, snap[0].Delivery)

	// the broadcast of the same message must not re-add it
	s.ApplyLive(model.LiveEvent{Kind: model.EventSent, Message: echo})
	assert.Len(t, s.Snapshot(), 1)
}

func TestMarkFailed(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = nil

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	draft := model.Draft{SenderID: "u1", Content: "hello"}
	local := s.SendOptimistic(&draft)

	var delivery []model.Delivery
	s.OnChange(func(ch Change) {
		if ch.Kind == ChangeDelivery {
			delivery = append(delivery, ch.Message.Delivery)
		}
	})

	s.MarkFailed(local.ClientID)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, model.DeliveryFailed, snap[0].Delivery, "failed sends stay visible")
	assert.Equal(t, []model.Delivery{model.DeliveryFailed}, delivery)
}

func TestEditPreservesDeliveryState(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = nil

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	draft := model.Draft{SenderID: "u1", Content: "hello"}
	local := s.SendOptimistic(&draft)
	echo := msg("m9", local.SentAt.Seconds, "u1")
	echo.ClientID = local.ClientID
	s.ApplyLive(model.LiveEvent{Kind: model.EventSent, Message: echo})

	edited := echo
	edited.Content = "hello, edited"
	s.ApplyLive(model.LiveEvent{Kind: model.EventEdited, Message: edited})

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "hello, edited", snap[0].Content)
	assert.Equal(t, model.DeliveryDelivered, snap[0].Delivery)
}

func TestEditUnknownIDIsNoop(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m1", 10, "u1")}

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	s.ApplyLive(model.LiveEvent{Kind: model.EventEdited, Message: msg("m0", 5, "u1")})
	assert.Equal(t, []string{"m1"}, msgIDs(s.Snapshot()))
}

func TestDeleteFixesPaginationCursor(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m2", 20, "u2"), msg("m1", 10, "u1")}

	s := NewStore("c1", 3, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	s.ApplyLive(model.LiveEvent{Kind: model.EventDeleted, Message: msg("m1", 10, "u1")})

	assert.Equal(t, []string{"m2"}, msgIDs(s.Snapshot()))
	oldest, _, _ := s.Pagination()
	assert.Equal(t, "m2", oldest, "cursor follows when the oldest loaded message is deleted")
}

func TestUnreadCount(t *testing.T) {
	f := newFakeFetcher()
	read := msg("m1", 10, "u2")
	read.ReadBy = []string{"u1"}
	f.pages[""] = []model.Message{msg("m3", 30, "u2"), msg("m2", 20, "u1"), read}

	s := NewStore("c1", 5, f)
	require.NoError(t, s.LoadInitial(context.Background()))

	assert.Equal(t, 1, s.UnreadCount("u1"), "own and acknowledged messages do not count")
}

func TestLoadInitialCanceledDiscardsPage(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = []model.Message{msg("m1", 10, "u1")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewStore("c1", 3, f)
	err := s.LoadInitial(ctx)
	assert.Error(t, err)
	assert.False(t, s.Loaded())
	assert.Empty(t, s.Snapshot())
}

func TestOnChangeRelease(t *testing.T) {
	f := newFakeFetcher()
	f.pages[""] = nil

	s := NewStore("c1", 3, f)
	var n int
	release := s.OnChange(func(Change) { n++ })
	release()

	require.NoError(t, s.LoadInitial(context.Background()))
	assert.Zero(t, n)
}
