package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"grid/pkg/channel"
	"grid/pkg/event"
	"grid/pkg/signing"
	"grid/pkg/store"
	"grid/pkg/stream"
)

const alice = "@alice:a.example"

type apiFixture struct {
	router   *mux.Router
	manager  *channel.Manager
	notifier *stream.Notifier
}

type stubJoiner struct {
	calls []string
	err   error
}

func (s *stubJoiner) Join(_ context.Context, channelID, user, via string) (event.Authorization, error) {
	s.calls = append(s.calls, channelID+"|"+user+"|"+via)
	if s.err != nil {
		return event.Authorization{}, s.err
	}
	return event.Allow("$joined"), nil
}

func newAPIFixture(t *testing.T, joiner RemoteJoiner) *apiFixture {
	t.Helper()
	signer, err := signing.FromSeed(make([]byte, 32))
	require.NoError(t, err)
	events, err := event.NewService("a.example", signer)
	require.NoError(t, err)
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	notifier := stream.New(0)
	manager, err := channel.NewManager(channel.Deps{
		Domain:   "a.example",
		Store:    st,
		Events:   events,
		Notifier: notifier,
	}, "")
	require.NoError(t, err)

	router := mux.NewRouter()
	NewAPI(manager, st, notifier, joiner, 2*time.Second, zap.NewNop()).RegisterRoutes(router)
	return &apiFixture{router: router, manager: manager, notifier: notifier}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, APIPrefix+path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createChannel(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/channels", map[string]string{"creator": alice})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["channel_id"])
	return resp["channel_id"]
}

func channelPath(id, suffix string) string {
	return "/channels/" + url.PathEscape(id) + suffix
}

func TestCreateAndListChannels(t *testing.T) {
	f := newAPIFixture(t, nil)
	id := f.createChannel(t)

	rec := f.do(t, http.MethodGet, "/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{id}, resp["channels"])

	tests := []struct {
		name string
		body any
	}{
		{"remote creator", map[string]string{"creator": "@bob:b.example"}},
		{"not a user", map[string]string{"creator": "#room:a.example"}},
		{"unknown version", map[string]string{"creator": alice, "version": "99"}},
		{"not json", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/channels", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSendEventAndState(t *testing.T) {
	f := newAPIFixture(t, nil)
	id := f.createChannel(t)

	rec := f.do(t, http.MethodPost, channelPath(id, "/events"), sendEventRequest{
		Sender:  alice,
		Type:    event.TypeMessage,
		Content: json.RawMessage(`{"body":"hello"}`),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var auth event.Authorization
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
	require.True(t, auth.Allowed(), auth.Reason)

	// a denial is a verdict, not a transport failure
	rec = f.do(t, http.MethodPost, channelPath(id, "/events"), sendEventRequest{
		Sender:  "@mallory:a.example",
		Type:    event.TypeMessage,
		Content: json.RawMessage(`{"body":"let me in"}`),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var denied event.Authorization
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &denied))
	assert.False(t, denied.Allowed())
	assert.NotEmpty(t, denied.Reason)

	rec = f.do(t, http.MethodGet, channelPath(id, "/state"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st StateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, id, st.Channel)
	assert.Equal(t, "0", st.Version)
	assert.Equal(t, auth.EventID, st.Head)
	assert.Equal(t, []string{auth.EventID}, st.Extremities)
	assert.Len(t, st.Events, 3, "create, creator join and power")

	rec = f.do(t, http.MethodPost, channelPath(id, "/events"), map[string]string{"sender": alice})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownChannel(t *testing.T) {
	f := newAPIFixture(t, nil)
	id := "#missing:a.example"

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, channelPath(id, "/state"), nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, channelPath(id, "/events"), sendEventRequest{
		Sender: alice,
		Type:   event.TypeMessage,
	}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, channelPath(id, "/join"), joinRequest{User: alice}).Code,
		"remote joins are disabled without a joiner")
}

func TestJoinChannel(t *testing.T) {
	joiner := &stubJoiner{}
	f := newAPIFixture(t, joiner)

	t.Run("remote", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, channelPath("#room:b.example", "/join"), joinRequest{User: alice, Via: "c.example"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, []string{"#room:b.example|" + alice + "|c.example"}, joiner.calls)
	})

	t.Run("remote failure", func(t *testing.T) {
		joiner.err = errors.New("peer unreachable")
		defer func() { joiner.err = nil }()
		rec := f.do(t, http.MethodPost, channelPath("#room:b.example", "/join"), joinRequest{User: alice})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("local channel", func(t *testing.T) {
		id := f.createChannel(t)
		calls := len(joiner.calls)
		rec := f.do(t, http.MethodPost, channelPath(id, "/join"), joinRequest{User: "@carol:a.example"})
		require.Equal(t, http.StatusOK, rec.Code)
		var auth event.Authorization
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
		assert.False(t, auth.Allowed(), "channels are private until a join rule opens them")
		assert.Len(t, joiner.calls, calls)
	})

	t.Run("missing user", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, channelPath("#room:b.example", "/join"), map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSync(t *testing.T) {
	f := newAPIFixture(t, nil)
	id := f.createChannel(t)

	var first SyncResponse
	rec := f.do(t, http.MethodGet, "/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Len(t, first.Events, 3)
	for _, e := range first.Events {
		assert.Equal(t, id, e.Channel)
	}
	assert.Equal(t, first.Events[2].Position, first.Next)

	t.Run("nothing new returns after the timeout", func(t *testing.T) {
		start := time.Now()
		rec := f.do(t, http.MethodGet, "/sync?since="+strconv.FormatInt(first.Next, 10)+"&timeout=50", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp SyncResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Empty(t, resp.Events)
		assert.Equal(t, first.Next, resp.Next)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("long poll wakes on a new event", func(t *testing.T) {
		done := make(chan SyncResponse, 1)
		go func() {
			rec := f.do(t, http.MethodGet, "/sync?since="+strconv.FormatInt(first.Next, 10)+"&timeout=2000", nil)
			var resp SyncResponse
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
			done <- resp
		}()

		ch, err := f.manager.Get(id)
		require.NoError(t, err)
		auth, err := ch.Send(context.Background(), event.Event{
			Type:    event.TypeMessage,
			Sender:  alice,
			Content: json.RawMessage(`{"body":"wake up"}`),
		})
		require.NoError(t, err)

		select {
		case resp := <-done:
			require.Len(t, resp.Events, 1)
			ev, err := event.Parse(resp.Events[0].Event)
			require.NoError(t, err)
			assert.Equal(t, auth.EventID, ev.ID)
			assert.Greater(t, resp.Next, first.Next)
		case <-time.After(5 * time.Second):
			t.Fatal("sync did not return")
		}
	})

	t.Run("bad parameters", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/sync?since=-1", nil).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/sync?timeout=soon", nil).Code)
	})
}
