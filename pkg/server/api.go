package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"grid/pkg/channel"
	"grid/pkg/event"
	"grid/pkg/store"
	"grid/pkg/stream"
)

// APIPrefix prefixes every admin route
const APIPrefix = "/_grid/v0"

// syncBatch bounds the events returned by one sync call
const syncBatch = 100

// RemoteJoiner joins a local user to a channel hosted elsewhere
type RemoteJoiner interface {
	Join(ctx context.Context, channelID, user, via string) (event.Authorization, error)
}

// API serves the admin HTTP routes
type API struct {
	manager  *channel.Manager
	store    store.Store
	notifier *stream.Notifier
	joiner   RemoteJoiner
	maxWait  time.Duration
	logger   *zap.Logger
}

// NewAPI creates the admin handlers. joiner may be nil, which disables
// remote joins.
func NewAPI(manager *channel.Manager, st store.Store, notifier *stream.Notifier, joiner RemoteJoiner, maxWait time.Duration, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		manager:  manager,
		store:    st,
		notifier: notifier,
		joiner:   joiner,
		maxWait:  maxWait,
		logger:   logger,
	}
}

// RegisterRoutes mounts the admin routes on r
func (a *API) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix(APIPrefix).Subrouter()

	// Channels owned by this server
	api.HandleFunc("/channels", a.CreateChannel).Methods(http.MethodPost)
	api.HandleFunc("/channels", a.ListChannels).Methods(http.MethodGet)

	// Local users act in a channel
	api.HandleFunc("/channels/{id}/events", a.SendEvent).Methods(http.MethodPost)
	api.HandleFunc("/channels/{id}/join", a.JoinChannel).Methods(http.MethodPost)

	// Current state of a channel
	api.HandleFunc("/channels/{id}/state", a.ChannelState).Methods(http.MethodGet)

	// Long-poll over the local event stream
	api.HandleFunc("/sync", a.Sync).Methods(http.MethodGet)
}

type createChannelRequest struct {
	Creator string `json:"creator"`
	Version string `json:"version,omitempty"`
}

type joinRequest struct {
	User string `json:"user"`
	Via  string `json:"via,omitempty"`
}

type sendEventRequest struct {
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	Scope   *string         `json:"scope,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// StateResponse is the body of the state route
type StateResponse struct {
	Channel     string            `json:"channel"`
	Version     string            `json:"version"`
	Head        string            `json:"head"`
	Extremities []string          `json:"extremities"`
	Events      []json.RawMessage `json:"events"`
}

// SyncEvent is one stream entry in a sync response
type SyncEvent struct {
	Position int64           `json:"position"`
	Channel  string          `json:"channel"`
	Event    json.RawMessage `json:"event"`
}

// SyncResponse is the body of the sync route. Next is the position to
// pass as since on the following call.
type SyncResponse struct {
	Next   int64       `json:"next"`
	Events []SyncEvent `json:"events"`
}

// CreateChannel handles POST /channels
func (a *API) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	ch, err := a.manager.CreateChannel(r.Context(), req.Creator, req.Version)
	if err != nil {
		a.logger.Info("Channel creation refused",
			zap.String("creator", req.Creator),
			zap.Error(err))
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]string{"channel_id": ch.ID()})
}

// ListChannels handles GET /channels
func (a *API) ListChannels(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string][]string{"channels": a.manager.List()})
}

// SendEvent handles POST /channels/{id}/events. Denials are reported in
// the body with status 200; only requests that never reach the channel
// fail.
func (a *API) SendEvent(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channel(w, r)
	if !ok {
		return
	}
	var req sendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.Type == "" || req.Sender == "" {
		a.writeError(w, http.StatusBadRequest, "sender and type are required")
		return
	}

	auth, err := ch.Send(r.Context(), event.Event{
		Type:    req.Type,
		Sender:  req.Sender,
		Scope:   req.Scope,
		Content: req.Content,
	})
	if err != nil {
		a.logger.Error("Failed to send event",
			zap.String("channel", ch.ID()),
			zap.String("sender", req.Sender),
			zap.Error(err))
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, auth)
}

// JoinChannel handles POST /channels/{id}/join. Channels already tracked
// here are joined locally; others are joined through a remote server.
func (a *API) JoinChannel(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		a.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	var (
		auth event.Authorization
		err  error
	)
	if ch, gerr := a.manager.Get(channelID); gerr == nil {
		scope := req.User
		auth, err = ch.Send(r.Context(), event.Event{
			Type:    event.TypeMember,
			Sender:  req.User,
			Scope:   &scope,
			Content: json.RawMessage(`{"action":"join"}`),
		})
	} else if a.joiner == nil {
		a.writeError(w, http.StatusNotFound, gerr.Error())
		return
	} else {
		auth, err = a.joiner.Join(r.Context(), channelID, req.User, req.Via)
	}
	if err != nil {
		a.logger.Info("Join failed",
			zap.String("channel", channelID),
			zap.String("user", req.User),
			zap.Error(err))
		a.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, auth)
}

// ChannelState handles GET /channels/{id}/state
func (a *API) ChannelState(w http.ResponseWriter, r *http.Request) {
	ch, ok := a.channel(w, r)
	if !ok {
		return
	}
	view := ch.View()
	resp := StateResponse{
		Channel:     ch.ID(),
		Version:     ch.Version(),
		Head:        view.Head,
		Extremities: ch.Extremities(),
		Events:      []json.RawMessage{},
	}
	for _, ce := range view.State.Events() {
		resp.Events = append(resp.Events, ce.Raw)
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// Sync handles GET /sync?since=N&timeout=ms. With nothing after since it
// waits up to timeout, capped by the configured maximum.
func (a *API) Sync(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since", 0)
	if err != nil || since < 0 {
		a.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
		return
	}
	timeoutMS, err := queryInt(r, "timeout", 0)
	if err != nil || timeoutMS < 0 {
		a.writeError(w, http.StatusBadRequest, "timeout must be a non-negative integer")
		return
	}
	timeout := time.Duration(timeoutMS) * time.Millisecond
	if timeout > a.maxWait {
		timeout = a.maxWait
	}

	entries, err := a.store.EventsAfter(r.Context(), since, syncBatch)
	if err == nil && len(entries) == 0 && timeout > 0 {
		if _, werr := a.notifier.Wait(r.Context(), since, timeout); werr != nil {
			// client went away
			return
		}
		entries, err = a.store.EventsAfter(r.Context(), since, syncBatch)
	}
	if err != nil {
		a.logger.Error("Failed to read stream", zap.Int64("since", since), zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "stream unavailable")
		return
	}

	resp := SyncResponse{Next: since, Events: make([]SyncEvent, 0, len(entries))}
	for _, e := range entries {
		resp.Events = append(resp.Events, SyncEvent{
			Position: e.Position,
			Channel:  e.Event.ChannelID,
			Event:    e.Event.Raw,
		})
		resp.Next = e.Position
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) channel(w http.ResponseWriter, r *http.Request) (*channel.Channel, bool) {
	id := mux.Vars(r)["id"]
	ch, err := a.manager.Get(id)
	if errors.Is(err, channel.ErrUnknownChannel) {
		a.writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return ch, true
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
