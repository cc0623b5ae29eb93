package store

import (
	"context"
	"sync"

	"grid/pkg/event"
	"grid/pkg/state"
)

type eventKey struct {
	channel string
	id      string
}

// Memory is an in-process store for tests and single-node development
type Memory struct {
	mu sync.RWMutex

	channels    map[string]ChannelDao
	events      map[eventKey]*event.ChannelEvent
	eventsBySID map[int64]eventKey
	extremities map[string][]string
	states      map[int64]*state.State
	mapping     map[int64]int64
	stream      []StreamEntry

	nextChannel int64
	nextEvent   int64
	nextState   int64
}

// NewMemory creates an empty memory store
func NewMemory() *Memory {
	return &Memory{
		channels:    make(map[string]ChannelDao),
		events:      make(map[eventKey]*event.ChannelEvent),
		eventsBySID: make(map[int64]eventKey),
		extremities: make(map[string][]string),
		states:      make(map[int64]*state.State),
		mapping:     make(map[int64]int64),
	}
}

func (m *Memory) SaveChannel(_ context.Context, ch ChannelDao) (ChannelDao, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.channels[ch.ID]; ok {
		return existing, nil
	}
	m.nextChannel++
	ch.SID = m.nextChannel
	m.channels[ch.ID] = ch
	return ch, nil
}

func (m *Memory) FindChannel(_ context.Context, channelID string) (ChannelDao, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return ChannelDao{}, notFound("channel", channelID)
	}
	return ch, nil
}

func (m *Memory) ListChannels(_ context.Context) ([]ChannelDao, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ChannelDao, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	sortChannels(out)
	return out, nil
}

func (m *Memory) SaveEvent(_ context.Context, ce *event.ChannelEvent) (*event.ChannelEvent, error) {
	if err := validateEvent(ce); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventKey{channel: ce.ChannelID, id: ce.ID}
	saved := ce.Clone()
	if existing, ok := m.events[key]; ok {
		saved.SID = existing.SID
	} else {
		m.nextEvent++
		saved.SID = m.nextEvent
		m.eventsBySID[saved.SID] = key
	}
	m.events[key] = saved
	return saved.Clone(), nil
}

func (m *Memory) FindEvent(_ context.Context, channelID, eventID string) (*event.ChannelEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ce, ok := m.events[eventKey{channel: channelID, id: eventID}]
	if !ok {
		return nil, nil
	}
	return ce.Clone(), nil
}

func (m *Memory) GetEvent(ctx context.Context, channelID, eventID string) (*event.ChannelEvent, error) {
	ce, err := m.FindEvent(ctx, channelID, eventID)
	if err != nil {
		return nil, err
	}
	if ce == nil {
		return nil, notFound("event", eventID)
	}
	return ce, nil
}

func (m *Memory) GetExtremities(_ context.Context, channelID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedCopy(m.extremities[channelID]), nil
}

func (m *Memory) SetExtremities(_ context.Context, channelID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extremities[channelID] = sortedCopy(ids)
	return nil
}

func (m *Memory) InsertIfNew(_ context.Context, _ string, st *state.State) (int64, error) {
	if st.ID() != 0 {
		return st.ID(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextState++
	m.states[m.nextState] = st.WithID(m.nextState)
	return m.nextState, nil
}

func (m *Memory) GetState(_ context.Context, stateID int64) (*state.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[stateID]
	if !ok {
		return nil, notFound("state", stateID)
	}
	return st, nil
}

func (m *Memory) Map(_ context.Context, eventSID, stateSID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.eventsBySID[eventSID]
	if !ok {
		return 0, notFound("event", eventSID)
	}
	if _, ok := m.states[stateSID]; !ok {
		return 0, notFound("state", stateSID)
	}
	m.mapping[eventSID] = stateSID
	pos := int64(len(m.stream)) + 1
	m.stream = append(m.stream, StreamEntry{Position: pos, Event: m.events[key]})
	return pos, nil
}

func (m *Memory) GetStateForEvent(ctx context.Context, channelID, eventID string) (*state.State, error) {
	m.mu.RLock()
	ce, ok := m.events[eventKey{channel: channelID, id: eventID}]
	var stateSID int64
	if ok {
		stateSID, ok = m.mapping[ce.SID]
	}
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("state for event", eventID)
	}
	return m.GetState(ctx, stateSID)
}

func (m *Memory) EventsAfter(_ context.Context, since int64, limit int) ([]StreamEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if since < 0 {
		since = 0
	}
	var out []StreamEntry
	for i := since; i < int64(len(m.stream)); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		entry := m.stream[i]
		out = append(out, StreamEntry{Position: entry.Position, Event: m.events[eventKeyOf(entry.Event)].Clone()})
	}
	return out, nil
}

func (m *Memory) StreamPosition(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.stream)), nil
}

func (m *Memory) Close() error {
	return nil
}

func eventKeyOf(ce *event.ChannelEvent) eventKey {
	return eventKey{channel: ce.ChannelID, id: ce.ID}
}
