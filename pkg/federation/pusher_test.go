package federation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"grid/pkg/channel"
	"grid/pkg/event"
)

func newTestPusher(t *testing.T, versions VersionSource, rec *countingRecorder) *Pusher {
	t.Helper()
	resolver := newTestResolver(rec)
	pool := NewConnectionPool(time.Minute, zap.NewNop())
	t.Cleanup(func() { pool.Close() })
	client := NewClient("a.example", resolver, pool, time.Second, zap.NewNop())
	return NewPusher("a.example", client, versions, 2, rec, zap.NewNop())
}

func testEvent() *event.ChannelEvent {
	return event.NewChannelEvent(json.RawMessage(`{"event_id":"$1:a.example"}`), "")
}

func TestPusherSkipsLocalServer(t *testing.T) {
	rec := newCountingRecorder()
	p := newTestPusher(t, VersionFunc(func(string) (string, error) { return "0", nil }), rec)

	p.Notify("#c:a.example", testEvent(), []string{"a.example", "", "x.example"})
	p.Close()

	assert.Empty(t, rec.pushErrors("a.example"))
	assert.Empty(t, rec.pushErrors(""))
	errs := rec.pushErrors("x.example")
	require.Len(t, errs, 1, "the delivery ran before Close returned")
	assert.True(t, errors.Is(errs[0], ErrUnknownPeer))
}

func TestPusherUnknownChannel(t *testing.T) {
	rec := newCountingRecorder()
	p := newTestPusher(t, VersionFunc(func(string) (string, error) {
		return "", channel.ErrUnknownChannel
	}), rec)

	p.Notify("#gone:a.example", testEvent(), []string{"x.example"})
	p.Close()
	assert.Empty(t, rec.pushErrors("x.example"))
}

func TestPusherClose(t *testing.T) {
	rec := newCountingRecorder()
	p := newTestPusher(t, nil, rec)

	p.Close()
	p.Close()

	p.Notify("#c:a.example", testEvent(), []string{"x.example"})
	errs := rec.pushErrors("x.example")
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrPusherClosed))
}

func TestPusherDropsWhenQueueFull(t *testing.T) {
	rec := newCountingRecorder()
	p := &Pusher{
		local:    "a.example",
		recorder: rec,
		logger:   zap.NewNop(),
		queue:    make(chan pushJob, 1),
	}

	servers := []string{"x.example"}
	p.Notify("#c:a.example", testEvent(), servers)
	p.Notify("#c:a.example", testEvent(), servers)

	assert.Len(t, p.queue, 1)
	errs := rec.pushErrors("x.example")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errQueueFull)
}
