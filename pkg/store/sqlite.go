package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"grid/pkg/event"
	"grid/pkg/state"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS channels (
	sid INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT NOT NULL UNIQUE,
	domain TEXT NOT NULL,
	version TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	sid INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	raw BLOB,
	meta JSON NOT NULL,
	UNIQUE (channel_id, event_id)
);
CREATE TABLE IF NOT EXISTS extremities (
	channel_id TEXT PRIMARY KEY,
	ids JSON NOT NULL
);
CREATE TABLE IF NOT EXISTS states (
	sid INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT NOT NULL,
	entries JSON NOT NULL
);
CREATE TABLE IF NOT EXISTS event_states (
	event_sid INTEGER PRIMARY KEY,
	state_sid INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS stream (
	position INTEGER PRIMARY KEY AUTOINCREMENT,
	event_sid INTEGER NOT NULL
);`

// SQLite stores everything in one SQLite database
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path, creating the schema if needed.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite store requires a path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer, and every query sees the same in-memory database
	db.SetMaxOpenConns(1)
	s, err := NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database and migrates it
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.ExecContext(context.Background(), sqliteSchema)
	return err
}

func (s *SQLite) SaveChannel(ctx context.Context, ch ChannelDao) (ChannelDao, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (channel_id, domain, version) VALUES (?, ?, ?) ON CONFLICT (channel_id) DO NOTHING`,
		ch.ID, ch.Domain, ch.Version)
	if err != nil {
		return ChannelDao{}, fmt.Errorf("failed to insert channel: %w", err)
	}
	return s.FindChannel(ctx, ch.ID)
}

func (s *SQLite) FindChannel(ctx context.Context, channelID string) (ChannelDao, error) {
	var ch ChannelDao
	err := s.db.QueryRowContext(ctx,
		`SELECT sid, channel_id, domain, version FROM channels WHERE channel_id = ?`, channelID,
	).Scan(&ch.SID, &ch.ID, &ch.Domain, &ch.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelDao{}, notFound("channel", channelID)
	}
	if err != nil {
		return ChannelDao{}, err
	}
	return ch, nil
}

func (s *SQLite) ListChannels(ctx context.Context) ([]ChannelDao, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sid, channel_id, domain, version FROM channels ORDER BY sid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ChannelDao
	for rows.Next() {
		var ch ChannelDao
		if err := rows.Scan(&ch.SID, &ch.ID, &ch.Domain, &ch.Version); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveEvent(ctx context.Context, ce *event.ChannelEvent) (*event.ChannelEvent, error) {
	if err := validateEvent(ce); err != nil {
		return nil, err
	}
	meta, err := json.Marshal(ce.Meta)
	if err != nil {
		return nil, err
	}
	var sid int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO events (channel_id, event_id, raw, meta) VALUES (?, ?, ?, ?)
		ON CONFLICT (channel_id, event_id) DO UPDATE SET raw = excluded.raw, meta = excluded.meta
		RETURNING sid`,
		ce.ChannelID, ce.ID, []byte(ce.Raw), string(meta),
	).Scan(&sid)
	if err != nil {
		return nil, fmt.Errorf("failed to save event %s: %w", ce.ID, err)
	}
	saved := ce.Clone()
	saved.SID = sid
	return saved, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.ChannelEvent, error) {
	var (
		ce   event.ChannelEvent
		raw  []byte
		meta string
	)
	if err := row.Scan(&ce.SID, &ce.ChannelID, &ce.ID, &raw, &meta); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &ce.Meta); err != nil {
		return nil, fmt.Errorf("decode event meta: %w", err)
	}
	ce.Raw = raw
	return &ce, nil
}

func (s *SQLite) FindEvent(ctx context.Context, channelID, eventID string) (*event.ChannelEvent, error) {
	ce, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT sid, channel_id, event_id, raw, meta FROM events WHERE channel_id = ? AND event_id = ?`,
		channelID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ce, err
}

func (s *SQLite) GetEvent(ctx context.Context, channelID, eventID string) (*event.ChannelEvent, error) {
	ce, err := s.FindEvent(ctx, channelID, eventID)
	if err != nil {
		return nil, err
	}
	if ce == nil {
		return nil, notFound("event", eventID)
	}
	return ce, nil
}

func (s *SQLite) GetExtremities(ctx context.Context, channelID string) ([]string, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT ids FROM extremities WHERE channel_id = ?`, channelID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("decode extremities: %w", err)
	}
	return sortedCopy(ids), nil
}

func (s *SQLite) SetExtremities(ctx context.Context, channelID string, ids []string) error {
	data, err := json.Marshal(sortedCopy(ids))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extremities (channel_id, ids) VALUES (?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET ids = excluded.ids`,
		channelID, string(data))
	return err
}

func (s *SQLite) InsertIfNew(ctx context.Context, channelID string, st *state.State) (int64, error) {
	if st.ID() != 0 {
		return st.ID(), nil
	}
	data, err := encodeState(channelID, st)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO states (channel_id, entries) VALUES (?, ?)`, channelID, string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to insert state: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLite) GetState(ctx context.Context, stateID int64) (*state.State, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT entries FROM states WHERE sid = ?`, stateID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("state", stateID)
	}
	if err != nil {
		return nil, err
	}
	return decodeState(ctx, s, stateID, []byte(data))
}

func (s *SQLite) Map(ctx context.Context, eventSID, stateSID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE sid = ?`, eventSID).Scan(&n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, notFound("event", eventSID)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM states WHERE sid = ?`, stateSID).Scan(&n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, notFound("state", stateSID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_states (event_sid, state_sid) VALUES (?, ?)
		ON CONFLICT (event_sid) DO UPDATE SET state_sid = excluded.state_sid`,
		eventSID, stateSID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO stream (event_sid) VALUES (?)`, eventSID)
	if err != nil {
		return 0, err
	}
	pos, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return pos, tx.Commit()
}

func (s *SQLite) GetStateForEvent(ctx context.Context, channelID, eventID string) (*state.State, error) {
	var stateSID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT m.state_sid FROM events e JOIN event_states m ON m.event_sid = e.sid
		WHERE e.channel_id = ? AND e.event_id = ?`,
		channelID, eventID).Scan(&stateSID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("state for event", eventID)
	}
	if err != nil {
		return nil, err
	}
	return s.GetState(ctx, stateSID)
}

func (s *SQLite) EventsAfter(ctx context.Context, since int64, limit int) ([]StreamEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.position, e.sid, e.channel_id, e.event_id, e.raw, e.meta
		FROM stream q JOIN events e ON e.sid = q.event_sid
		WHERE q.position > ? ORDER BY q.position LIMIT ?`,
		since, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StreamEntry
	for rows.Next() {
		var (
			pos  int64
			ce   event.ChannelEvent
			raw  []byte
			meta string
		)
		if err := rows.Scan(&pos, &ce.SID, &ce.ChannelID, &ce.ID, &raw, &meta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &ce.Meta); err != nil {
			return nil, fmt.Errorf("decode event meta: %w", err)
		}
		ce.Raw = raw
		out = append(out, StreamEntry{Position: pos, Event: &ce})
	}
	return out, rows.Err()
}

func (s *SQLite) StreamPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM stream`).Scan(&pos)
	return pos, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
