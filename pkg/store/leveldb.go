package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"grid/pkg/event"
	"grid/pkg/state"
)

// Key prefixes of the LevelDB layout
const (
	prefixChannel    = "c/"
	prefixEvent      = "e/"
	prefixEventSID   = "i/"
	prefixExtremity  = "x/"
	prefixState      = "s/"
	prefixEventState = "m/"
	prefixStream     = "q/"
	prefixSequence   = "seq/"
)

// LevelDB stores everything in one LevelDB database
type LevelDB struct {
	conn *leveldb.DB

	// Serializes sequence allocation and read-modify-write batches
	mu sync.Mutex
}

// OpenLevelDB opens (or creates) a LevelDB store at path
func OpenLevelDB(path string) (*LevelDB, error) {
	if path == "" {
		return nil, errors.New("leveldb store requires a path")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{conn: db}, nil
}

func u64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func numKey(prefix string, n int64) []byte {
	return append([]byte(prefix), u64(n)...)
}

func eventDBKey(channelID, eventID string) []byte {
	return []byte(prefixEvent + channelID + "\x00" + eventID)
}

// next allocates the next value of a named sequence into batch. Callers hold
// l.mu.
func (l *LevelDB) next(name string, batch *leveldb.Batch) (int64, error) {
	key := []byte(prefixSequence + name)
	cur, err := l.conn.Get(key, nil)
	var n int64
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		n = int64(binary.BigEndian.Uint64(cur))
	}
	n++
	batch.Put(key, u64(n))
	return n, nil
}

func (l *LevelDB) getJSON(key []byte, v any) (bool, error) {
	data, err := l.conn.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (l *LevelDB) SaveChannel(_ context.Context, ch ChannelDao) (ChannelDao, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var existing ChannelDao
	found, err := l.getJSON([]byte(prefixChannel+ch.ID), &existing)
	if err != nil {
		return ChannelDao{}, err
	}
	if found {
		return existing, nil
	}

	batch := new(leveldb.Batch)
	if ch.SID, err = l.next("channel", batch); err != nil {
		return ChannelDao{}, err
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return ChannelDao{}, err
	}
	batch.Put([]byte(prefixChannel+ch.ID), data)
	if err := l.conn.Write(batch, nil); err != nil {
		return ChannelDao{}, fmt.Errorf("save channel %s: %w", ch.ID, err)
	}
	return ch, nil
}

func (l *LevelDB) FindChannel(_ context.Context, channelID string) (ChannelDao, error) {
	var ch ChannelDao
	found, err := l.getJSON([]byte(prefixChannel+channelID), &ch)
	if err != nil {
		return ChannelDao{}, err
	}
	if !found {
		return ChannelDao{}, notFound("channel", channelID)
	}
	return ch, nil
}

func (l *LevelDB) ListChannels(_ context.Context) ([]ChannelDao, error) {
	iter := l.conn.NewIterator(util.BytesPrefix([]byte(prefixChannel)), nil)
	defer iter.Release()

	var out []ChannelDao
	for iter.Next() {
		var ch ChannelDao
		if err := json.Unmarshal(iter.Value(), &ch); err != nil {
			return nil, fmt.Errorf("decode channel: %w", err)
		}
		out = append(out, ch)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortChannels(out)
	return out, nil
}

func (l *LevelDB) SaveEvent(_ context.Context, ce *event.ChannelEvent) (*event.ChannelEvent, error) {
	if err := validateEvent(ce); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := eventDBKey(ce.ChannelID, ce.ID)
	rec := toRecord(ce)
	batch := new(leveldb.Batch)

	var existing eventRecord
	found, err := l.getJSON(key, &existing)
	if err != nil {
		return nil, err
	}
	if found {
		rec.SID = existing.SID
	} else {
		if rec.SID, err = l.next("event", batch); err != nil {
			return nil, err
		}
		batch.Put(numKey(prefixEventSID, rec.SID), key)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	batch.Put(key, data)
	if err := l.conn.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("save event %s: %w", ce.ID, err)
	}
	return rec.channelEvent(), nil
}

func (l *LevelDB) FindEvent(_ context.Context, channelID, eventID string) (*event.ChannelEvent, error) {
	var rec eventRecord
	found, err := l.getJSON(eventDBKey(channelID, eventID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return rec.channelEvent(), nil
}

func (l *LevelDB) GetEvent(ctx context.Context, channelID, eventID string) (*event.ChannelEvent, error) {
	ce, err := l.FindEvent(ctx, channelID, eventID)
	if err != nil {
		return nil, err
	}
	if ce == nil {
		return nil, notFound("event", eventID)
	}
	return ce, nil
}

func (l *LevelDB) GetExtremities(_ context.Context, channelID string) ([]string, error) {
	var ids []string
	if _, err := l.getJSON([]byte(prefixExtremity+channelID), &ids); err != nil {
		return nil, err
	}
	return sortedCopy(ids), nil
}

func (l *LevelDB) SetExtremities(_ context.Context, channelID string, ids []string) error {
	data, err := json.Marshal(sortedCopy(ids))
	if err != nil {
		return err
	}
	return l.conn.Put([]byte(prefixExtremity+channelID), data, nil)
}

func (l *LevelDB) InsertIfNew(_ context.Context, channelID string, st *state.State) (int64, error) {
	if st.ID() != 0 {
		return st.ID(), nil
	}
	data, err := encodeState(channelID, st)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	batch := new(leveldb.Batch)
	id, err := l.next("state", batch)
	if err != nil {
		return 0, err
	}
	batch.Put(numKey(prefixState, id), data)
	if err := l.conn.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("save state: %w", err)
	}
	return id, nil
}

func (l *LevelDB) GetState(ctx context.Context, stateID int64) (*state.State, error) {
	data, err := l.conn.Get(numKey(prefixState, stateID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, notFound("state", stateID)
	}
	if err != nil {
		return nil, err
	}
	return decodeState(ctx, l, stateID, data)
}

func (l *LevelDB) Map(_ context.Context, eventSID, stateSID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	evKey, err := l.conn.Get(numKey(prefixEventSID, eventSID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, notFound("event", eventSID)
	}
	if err != nil {
		return 0, err
	}
	if ok, err := l.conn.Has(numKey(prefixState, stateSID), nil); err != nil {
		return 0, err
	} else if !ok {
		return 0, notFound("state", stateSID)
	}

	batch := new(leveldb.Batch)
	pos, err := l.next("stream", batch)
	if err != nil {
		return 0, err
	}
	batch.Put(numKey(prefixEventState, eventSID), u64(stateSID))
	batch.Put(numKey(prefixStream, pos), evKey)
	if err := l.conn.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("map event %d: %w", eventSID, err)
	}
	return pos, nil
}

func (l *LevelDB) GetStateForEvent(ctx context.Context, channelID, eventID string) (*state.State, error) {
	ce, err := l.GetEvent(ctx, channelID, eventID)
	if err != nil {
		return nil, err
	}
	data, err := l.conn.Get(numKey(prefixEventState, ce.SID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, notFound("state for event", eventID)
	}
	if err != nil {
		return nil, err
	}
	return l.GetState(ctx, int64(binary.BigEndian.Uint64(data)))
}

func (l *LevelDB) EventsAfter(_ context.Context, since int64, limit int) ([]StreamEntry, error) {
	if since < 0 {
		since = 0
	}
	rng := util.BytesPrefix([]byte(prefixStream))
	rng.Start = numKey(prefixStream, since+1)
	iter := l.conn.NewIterator(rng, nil)
	defer iter.Release()

	var out []StreamEntry
	for iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		pos := int64(binary.BigEndian.Uint64(iter.Key()[len(prefixStream):]))
		var rec eventRecord
		found, err := l.getJSON(iter.Value(), &rec)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		out = append(out, StreamEntry{Position: pos, Event: rec.channelEvent()})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *LevelDB) StreamPosition(_ context.Context) (int64, error) {
	cur, err := l.conn.Get([]byte(prefixSequence+"stream"), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(cur)), nil
}

func (l *LevelDB) Close() error {
	return l.conn.Close()
}
