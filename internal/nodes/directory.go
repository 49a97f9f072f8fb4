// ABOUTME: SQLite node directory using modernc.org/sqlite
// ABOUTME: Upserts nodeinfo announcements and resolves IDs to names

package nodes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a node ID has never been seen.
var ErrNotFound = errors.New("node not found")

// Node is one entry in the directory.
type Node struct {
	ID        string // canonical "!%08x" form
	LongName  string
	ShortName string
	Hardware  string
	LastSeen  time.Time
}

// DisplayName returns the friendliest available name for the node.
func (n *Node) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return n.ID
}

// Directory persists observed nodes in SQLite.
type Directory struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the node directory at the given path. Parent
// directories are created if needed.
func Open(path string, logger *slog.Logger) (*Directory, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	d := &Directory{
		db:     db,
		logger: logger.With("component", "nodes"),
	}

	if err := d.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	d.logger.Info("node directory opened", "path", path)
	return d, nil
}

func (d *Directory) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			long_name TEXT NOT NULL DEFAULT '',
			short_name TEXT NOT NULL DEFAULT '',
			hardware TEXT NOT NULL DEFAULT '',
			last_seen INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_nodes_last_seen ON nodes(last_seen);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Upsert records a node sighting, overwriting names only when the
// announcement carries non-empty values.
func (d *Directory) Upsert(ctx context.Context, node *Node) error {
	if node.LastSeen.IsZero() {
		node.LastSeen = time.Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO nodes (id, long_name, short_name, hardware, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			long_name = CASE WHEN excluded.long_name != '' THEN excluded.long_name ELSE nodes.long_name END,
			short_name = CASE WHEN excluded.short_name != '' THEN excluded.short_name ELSE nodes.short_name END,
			hardware = CASE WHEN excluded.hardware != '' THEN excluded.hardware ELSE nodes.hardware END,
			last_seen = excluded.last_seen
	`, node.ID, node.LongName, node.ShortName, node.Hardware, node.LastSeen.Unix())
	if err != nil {
		return fmt.Errorf("upserting node: %w", err)
	}
	return nil
}

// Get returns the directory entry for a node ID.
func (d *Directory) Get(ctx context.Context, id string) (*Node, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, long_name, short_name, hardware, last_seen
		FROM nodes WHERE id = ?
	`, id)

	var node Node
	var lastSeen int64
	err := row.Scan(&node.ID, &node.LongName, &node.ShortName, &node.Hardware, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}
	node.LastSeen = time.Unix(lastSeen, 0)
	return &node, nil
}

// DisplayName resolves an ID to a name, falling back to the raw ID
// when the node is unknown. Lookup failures are logged, not surfaced.
func (d *Directory) DisplayName(ctx context.Context, id string) string {
	node, err := d.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.logger.Warn("node lookup failed", "id", id, "error", err)
		}
		return id
	}
	return node.DisplayName()
}

// List returns directory entries ordered by most recently seen.
func (d *Directory) List(ctx context.Context, limit int) ([]*Node, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, long_name, short_name, hardware, last_seen
		FROM nodes ORDER BY last_seen DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		var node Node
		var lastSeen int64
		if err := rows.Scan(&node.ID, &node.LongName, &node.ShortName, &node.Hardware, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		node.LastSeen = time.Unix(lastSeen, 0)
		out = append(out, &node)
	}
	return out, rows.Err()
}

// announcement mirrors the JSON payload of a nodeinfo broadcast.
type announcement struct {
	From    json.Number `json:"from"`
	Sender  string      `json:"sender"`
	Payload struct {
		ID        string `json:"id"`
		LongName  string `json:"longname"`
		ShortName string `json:"shortname"`
		Hardware  string `json:"hardware"`
	} `json:"payload"`
}

// RecordAnnouncement parses a nodeinfo JSON payload and upserts the
// node it describes. Malformed announcements are skipped with an error.
func (d *Directory) RecordAnnouncement(ctx context.Context, payload []byte) error {
	var a announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		return fmt.Errorf("parsing nodeinfo: %w", err)
	}
	id := a.Payload.ID
	if id == "" {
		id = a.Sender
	}
	if id == "" {
		return errors.New("nodeinfo missing node id")
	}
	return d.Upsert(ctx, &Node{
		ID:        id,
		LongName:  a.Payload.LongName,
		ShortName: a.Payload.ShortName,
		Hardware:  a.Payload.Hardware,
	})
}
