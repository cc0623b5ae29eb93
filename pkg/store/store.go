// Package store persists channels, events, extremities and state snapshots.
// Events and states carry store-assigned surrogate ids; the DAG itself only
// references event ids, never object graphs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"grid/pkg/event"
	"grid/pkg/state"
)

// Backends accepted by Open
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
)

// ChannelDao is the identity record of a channel, written once at creation
type ChannelDao struct {
	SID     int64  `json:"sid"`
	ID      string `json:"id"`
	Domain  string `json:"domain"`
	Version string `json:"version"`
}

// StreamEntry is an event at a position of the local stream
type StreamEntry struct {
	Position int64               `json:"position"`
	Event    *event.ChannelEvent `json:"event"`
}

// Store is the persistence collaborator of the channel engine
type Store interface {
	// SaveChannel persists a new identity record and returns it with its
	// surrogate id. Saving an existing channel id returns the stored record.
	SaveChannel(ctx context.Context, ch ChannelDao) (ChannelDao, error)
	FindChannel(ctx context.Context, channelID string) (ChannelDao, error)
	ListChannels(ctx context.Context) ([]ChannelDao, error)

	// SaveEvent inserts the event if new, otherwise updates its payload and
	// metadata. The returned copy carries the surrogate id.
	SaveEvent(ctx context.Context, ce *event.ChannelEvent) (*event.ChannelEvent, error)
	// FindEvent returns nil without error when the event is unknown
	FindEvent(ctx context.Context, channelID, eventID string) (*event.ChannelEvent, error)
	// GetEvent fails with *NotFoundError when the event is unknown
	GetEvent(ctx context.Context, channelID, eventID string) (*event.ChannelEvent, error)

	GetExtremities(ctx context.Context, channelID string) ([]string, error)
	SetExtremities(ctx context.Context, channelID string, ids []string) error

	// InsertIfNew persists a snapshot and returns its id. A snapshot that
	// already has an id is returned unchanged.
	InsertIfNew(ctx context.Context, channelID string, st *state.State) (int64, error)
	GetState(ctx context.Context, stateID int64) (*state.State, error)
	// Map records the snapshot that resulted from an event and appends the
	// event to the stream, returning its stream position.
	Map(ctx context.Context, eventSID, stateSID int64) (int64, error)
	GetStateForEvent(ctx context.Context, channelID, eventID string) (*state.State, error)
	// EventsAfter returns up to limit stream entries after position since
	EventsAfter(ctx context.Context, since int64, limit int) ([]StreamEntry, error)
	// StreamPosition returns the position of the last stream entry, 0 when
	// the stream is empty
	StreamPosition(ctx context.Context) (int64, error)

	Close() error
}

// NotFoundError reports a reference to an unknown channel, event or state
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// IsNotFound reports whether err wraps a *NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func notFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// Open creates a store for the configured backend
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendLevelDB:
		return OpenLevelDB(path)
	case BackendSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// stateRef is the persisted form of one state slot
type stateRef struct {
	Type    string `json:"type"`
	Scope   string `json:"scope"`
	EventID string `json:"event"`
}

type stateRecord struct {
	ChannelID string     `json:"channel"`
	Entries   []stateRef `json:"entries"`
}

func encodeState(channelID string, st *state.State) ([]byte, error) {
	rec := stateRecord{ChannelID: channelID, Entries: []stateRef{}}
	mapping := st.Mapping()
	for _, k := range st.Keys() {
		rec.Entries = append(rec.Entries, stateRef{Type: k.Type, Scope: k.Scope, EventID: mapping[k]})
	}
	return json.Marshal(rec)
}

// decodeState rebuilds a snapshot by loading every referenced event
func decodeState(ctx context.Context, s Store, stateID int64, data []byte) (*state.State, error) {
	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode state %d: %w", stateID, err)
	}
	st := state.Empty()
	for _, ref := range rec.Entries {
		ce, err := s.GetEvent(ctx, rec.ChannelID, ref.EventID)
		if err != nil {
			return nil, fmt.Errorf("load state %d: %w", stateID, err)
		}
		if st, err = st.Apply(ce); err != nil {
			return nil, fmt.Errorf("load state %d: %w", stateID, err)
		}
	}
	return st.WithID(stateID), nil
}

// eventRecord keeps the payload as bytes so malformed payloads still round
// trip
type eventRecord struct {
	SID       int64      `json:"sid"`
	ChannelID string     `json:"channel"`
	ID        string     `json:"id"`
	Raw       []byte     `json:"raw"`
	Meta      event.Meta `json:"meta"`
}

func toRecord(ce *event.ChannelEvent) eventRecord {
	return eventRecord{SID: ce.SID, ChannelID: ce.ChannelID, ID: ce.ID, Raw: ce.Raw, Meta: ce.Meta}
}

func (r eventRecord) channelEvent() *event.ChannelEvent {
	return &event.ChannelEvent{SID: r.SID, ChannelID: r.ChannelID, ID: r.ID, Raw: r.Raw, Meta: r.Meta}
}

func validateEvent(ce *event.ChannelEvent) error {
	if ce == nil || ce.ChannelID == "" || ce.ID == "" {
		return errors.New("event needs a channel id and an event id")
	}
	return nil
}

func sortedCopy(ids []string) []string {
	out := append([]string{}, ids...)
	sort.Strings(out)
	return out
}

func sortChannels(chs []ChannelDao) {
	sort.Slice(chs, func(i, j int) bool { return chs[i].SID < chs[j].SID })
}
