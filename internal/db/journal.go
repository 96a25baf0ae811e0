package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/energizer-project/teebridge/internal/events"
)

// Journal records session lifecycles and chat messages observed by the bridge.
// It only ever writes on behalf of the bridge; reads serve the admin API.
type Journal struct {
	db            *Database
	retentionDays int
}

// SessionEntry is a row of the session log.
type SessionEntry struct {
	FakeID      int64      `json:"fake_id"`
	RealID      int        `json:"real_id"`
	ClientAddr  string     `json:"client_addr"`
	Target      string     `json:"target"`
	Variant     string     `json:"variant"`
	CreatedAt   time.Time  `json:"created_at"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	ChunksUp    uint64     `json:"chunks_up"`
	ChunksDown  uint64     `json:"chunks_down"`
}

// ChatEntry is a row of the chat log.
type ChatEntry struct {
	ID     int64     `json:"id"`
	FakeID int64     `json:"fake_id"`
	RealID int       `json:"real_id"`
	Kind   string    `json:"kind"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// NewJournal opens the journal database and applies the schema.
func NewJournal(dbPath string, retentionDays int) (*Journal, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		db:            database,
		retentionDays: retentionDays,
	}

	if err := j.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal database: %w", err)
	}

	return j, nil
}

// migrate creates the database schema.
func (j *Journal) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_log (
			fake_id INTEGER PRIMARY KEY,
			real_id INTEGER NOT NULL,
			client_addr TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL DEFAULT '',
			variant TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			destroyed_at INTEGER,
			reason TEXT NOT NULL DEFAULT '',
			chunks_up INTEGER NOT NULL DEFAULT 0,
			chunks_down INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS chat_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fake_id INTEGER NOT NULL,
			real_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_log_created ON session_log(created_at);
		CREATE INDEX IF NOT EXISTS idx_chat_log_at ON chat_log(at);
	`

	_, err := j.db.Exec(ctx, schema)
	return err
}

// Attach subscribes the journal to bridge events on the bus. Events are
// delivered in order so a session's destroy never precedes its create.
func (j *Journal) Attach(bus *events.EventBus) {
	bus.SubscribeOrdered("journal", j.onEvent,
		events.EventSessionCreated, events.EventSessionDestroyed, events.EventChatMessage)
}

func (j *Journal) onEvent(ctx context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.SessionPayload:
		if event.Type == events.EventSessionDestroyed {
			return j.RecordSessionDestroyed(ctx, p, time.Now())
		}
		return j.RecordSessionCreated(ctx, p, time.Now())
	case events.ChatMessagePayload:
		return j.RecordChat(ctx, p)
	default:
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
}

// RecordSessionCreated inserts a new session row. A row already written by
// RecordSessionDestroyed is left as is.
func (j *Journal) RecordSessionCreated(ctx context.Context, p events.SessionPayload, at time.Time) error {
	_, err := j.db.Exec(ctx,
		`INSERT INTO session_log (fake_id, real_id, client_addr, target, variant, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fake_id) DO NOTHING`,
		p.FakeID, p.RealID, p.ClientAddr, p.Target, p.Variant, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session %d: %w", p.FakeID, err)
	}
	return nil
}

// RecordSessionDestroyed closes a session row. A destroy without a matching
// create (journal enabled mid-session) inserts a complete row.
func (j *Journal) RecordSessionDestroyed(ctx context.Context, p events.SessionPayload, at time.Time) error {
	created := at.Add(-p.Duration)
	_, err := j.db.Exec(ctx,
		`INSERT INTO session_log (fake_id, real_id, client_addr, target, variant, created_at,
		                          destroyed_at, reason, chunks_up, chunks_down)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fake_id) DO UPDATE SET
		   destroyed_at = excluded.destroyed_at,
		   reason = excluded.reason,
		   chunks_up = excluded.chunks_up,
		   chunks_down = excluded.chunks_down`,
		p.FakeID, p.RealID, p.ClientAddr, p.Target, p.Variant, created.UnixMilli(),
		at.UnixMilli(), p.Reason, int64(p.ChunksUp), int64(p.ChunksDown),
	)
	if err != nil {
		return fmt.Errorf("failed to close session %d: %w", p.FakeID, err)
	}
	return nil
}

// RecordChat inserts a chat message.
func (j *Journal) RecordChat(ctx context.Context, p events.ChatMessagePayload) error {
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.Exec(ctx,
		`INSERT INTO chat_log (fake_id, real_id, kind, text, at) VALUES (?, ?, ?, ?, ?)`,
		p.FakeID, p.RealID, p.Kind, p.Text, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record chat message: %w", err)
	}
	return nil
}

// RecentChat returns up to limit chat messages, newest first.
func (j *Journal) RecentChat(ctx context.Context, limit int) ([]ChatEntry, error) {
	rows, err := j.db.Query(ctx,
		`SELECT id, fake_id, real_id, kind, text, at FROM chat_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat log: %w", err)
	}
	defer rows.Close()

	entries := make([]ChatEntry, 0, limit)
	for rows.Next() {
		var e ChatEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.FakeID, &e.RealID, &e.Kind, &e.Text, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecentSessions returns up to limit sessions, newest first.
func (j *Journal) RecentSessions(ctx context.Context, limit int) ([]SessionEntry, error) {
	rows, err := j.db.Query(ctx,
		`SELECT fake_id, real_id, client_addr, target, variant, created_at, destroyed_at,
		        reason, chunks_up, chunks_down
		 FROM session_log ORDER BY fake_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session log: %w", err)
	}
	defer rows.Close()

	entries := make([]SessionEntry, 0, limit)
	for rows.Next() {
		var (
			e         SessionEntry
			created   int64
			destroyed *int64
			up, down  int64
		)
		if err := rows.Scan(&e.FakeID, &e.RealID, &e.ClientAddr, &e.Target, &e.Variant,
			&created, &destroyed, &e.Reason, &up, &down); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		if destroyed != nil {
			t := time.UnixMilli(*destroyed).UTC()
			e.DestroyedAt = &t
		}
		e.ChunksUp, e.ChunksDown = uint64(up), uint64(down)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes closed sessions and chat messages older than the retention
// period. Open sessions are kept regardless of age.
func (j *Journal) Prune(ctx context.Context, now time.Time) (int64, error) {
	if j.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -j.retentionDays).UnixMilli()

	var removed int64
	err := j.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_log WHERE at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = tx.ExecContext(ctx,
			`DELETE FROM session_log WHERE destroyed_at IS NOT NULL AND destroyed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return removed, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
