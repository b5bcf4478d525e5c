// Package keg implements the reference persistence sink a mug writes
// samples into: a SQLite database holding the schema registered for each
// tap identity and the raw sample bytes received from it.
package keg

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Keg is a SQLite-backed sink. Start opens (creating if necessary) a
// database file under dir and applies all pending migrations.
type Keg struct {
	dir  string
	conn *sql.DB
}

// New creates a Keg that will store its database under dir once Start is
// called.
func New(dir string) *Keg {
	return &Keg{dir: dir}
}

// Start opens the keg's database file and migrates it to the latest
// schema.
func (k *Keg) Start() error {
	path := filepath.Join(k.dir, "keg.db")
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("keg: open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("keg: ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("keg: migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("keg: create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return fmt.Errorf("keg: apply migrations: %w", err)
	}

	k.conn = conn
	return nil
}

// Stop closes the underlying database connection.
func (k *Keg) Stop() error {
	if k.conn == nil {
		return nil
	}
	return k.conn.Close()
}

// AddFormat upserts the schema registered for a tap identity, recording
// which topic (CHP key) it was discovered under.
func (k *Keg) AddFormat(id uuid.UUID, topic, schemaXML string) error {
	_, err := k.conn.Exec(
		`INSERT INTO formats (uuid, topic, schema_xml, updated_at) VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(uuid) DO UPDATE SET topic = ?, schema_xml = ?, updated_at = datetime('now')`,
		id.String(), topic, schemaXML, topic, schemaXML,
	)
	if err != nil {
		return fmt.Errorf("keg: add format for %s: %w", id, err)
	}
	return nil
}

// Write stores one raw sample buffer under the given tap identity.
func (k *Keg) Write(id uuid.UUID, data []byte) error {
	_, err := k.conn.Exec(
		`INSERT INTO samples (uuid, data, recorded_at) VALUES (?, ?, datetime('now'))`,
		id.String(), data,
	)
	if err != nil {
		return fmt.Errorf("keg: write sample for %s: %w", id, err)
	}
	return nil
}

// Format is a registered (topic, schema) pair for a tap identity.
type Format struct {
	UUID      uuid.UUID
	Topic     string
	SchemaXML string
}

// Formats returns every registered format, most recently updated first.
func (k *Keg) Formats() ([]Format, error) {
	rows, err := k.conn.Query(`SELECT uuid, topic, schema_xml FROM formats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("keg: list formats: %w", err)
	}
	defer rows.Close()

	var out []Format
	for rows.Next() {
		var idStr string
		var f Format
		if err := rows.Scan(&idStr, &f.Topic, &f.SchemaXML); err != nil {
			return nil, fmt.Errorf("keg: scan format: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("keg: parse format uuid %q: %w", idStr, err)
		}
		f.UUID = id
		out = append(out, f)
	}
	return out, rows.Err()
}

// SampleCount returns the total number of samples recorded for id.
func (k *Keg) SampleCount(id uuid.UUID) (int, error) {
	var count int
	err := k.conn.QueryRow(`SELECT COUNT(*) FROM samples WHERE uuid = ?`, id.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("keg: count samples for %s: %w", id, err)
	}
	return count, nil
}
