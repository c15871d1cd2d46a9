package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"papergw/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Entry is one audit record to append to the events table.
type Entry struct {
	Type    string
	Source  string
	Kind    protocol.Kind
	Lot     string
	Payload any
}

// Logger is the write side consumed by the gateway.
type Logger interface {
	Log(ctx context.Context, e Entry) error
}

// Nop discards every entry.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(context.Context, Entry) error { return nil }

// Writer appends gateway events to a SQLite database.
type Writer struct {
	db *sql.DB
}

// Open creates (if needed) and opens the event database at path, applying
// WAL journal mode, a 5-second busy timeout and the events schema.
func Open(ctx context.Context, path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer connection avoids SQLITE_BUSY between concurrent handlers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		protocol.SchemaDDL,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare event db %s: %w", path, err)
		}
	}

	return &Writer{db: db}, nil
}

// Log inserts an event. Payload is JSON-encoded unless it is already a string
// or nil.
func (w *Writer) Log(ctx context.Context, e Entry) error {
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	_, err = w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, kind, lot, payload) VALUES (?, ?, ?, ?, ?)`,
		e.Type, e.Source, string(e.Kind), e.Lot, payload,
	)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", e.Type, err)
	}
	return nil
}

// Reader returns a Reader sharing the writer's connection.
func (w *Writer) Reader() *Reader {
	return &Reader{db: w.db}
}

// Close releases the database connection.
func (w *Writer) Close() error {
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}

func encodePayload(v any) (string, error) {
	switch p := v.(type) {
	case nil:
		return "", nil
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
