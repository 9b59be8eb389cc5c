// Package audit persists the governance trail for the manifest router and
// content store: every commit, apply, rollback, pause and emergency action
// lands here with the acting caller.
//
// Writes are synchronous. Governance mutations are rare and the trail is the
// record off-band observers use during the activation window, so a failed
// write must surface to the caller instead of being buffered away.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/manifold/idgen"
)

// Entry is a single governance action in the trail.
type Entry struct {
	EntryID string
	At      time.Time
	Actor   string // caller identity from kit context, "" if none
	Action  string // e.g. "commit_root", "remove_route", "pause"
	Subject string // root hash, operation ID, module address...
	Detail  string // optional free-form / JSON
}

// Trail is an SQLite-backed audit log.
type Trail struct {
	db    *sql.DB
	newID idgen.Generator
}

// Option configures a Trail.
type Option func(*Trail)

// WithIDGenerator sets a custom ID generator for entry IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(tr *Trail) { tr.newID = gen }
}

// New creates a Trail over db. Call Init once at startup.
func New(db *sql.DB, opts ...Option) *Trail {
	tr := &Trail{
		db:    db,
		newID: idgen.Prefixed("aud_", idgen.Default),
	}
	for _, o := range opts {
		o(tr)
	}
	return tr
}

// Init creates the audit_log table if it does not exist.
func (tr *Trail) Init(ctx context.Context) error {
	_, err := tr.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			entry_id   TEXT PRIMARY KEY,
			at         INTEGER NOT NULL,  -- milliseconds since epoch
			actor      TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL,
			subject    TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log (at);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log (action, at);
	`)
	if err != nil {
		return fmt.Errorf("audit: init: %w", err)
	}
	return nil
}

// Execer is the subset of *sql.DB / *sql.Tx the trail writes through.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Record inserts one entry. A zero At is filled with the current time.
func (tr *Trail) Record(ctx context.Context, e Entry) error {
	return tr.RecordWith(ctx, tr.db, e)
}

// RecordWith inserts one entry through ex, letting callers fold the audit
// write into their own transaction so a rolled-back mutation leaves no
// orphaned trail entry.
func (tr *Trail) RecordWith(ctx context.Context, ex Execer, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.EntryID == "" {
		e.EntryID = tr.newID()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_log (entry_id, at, actor, action, subject, detail)
		VALUES (?,?,?,?,?,?)`,
		e.EntryID, e.At.UnixMilli(), e.Actor, e.Action, e.Subject, e.Detail)
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", e.Action, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (tr *Trail) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tr.db.QueryContext(ctx, `
		SELECT entry_id, at, actor, action, subject, detail
		FROM audit_log ORDER BY at DESC, entry_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.EntryID, &at, &e.Actor, &e.Action, &e.Subject, &e.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.At = time.UnixMilli(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ByAction returns up to limit entries for one action, newest first.
func (tr *Trail) ByAction(ctx context.Context, action string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tr.db.QueryContext(ctx, `
		SELECT entry_id, at, actor, action, subject, detail
		FROM audit_log WHERE action = ? ORDER BY at DESC, entry_id DESC LIMIT ?`, action, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: by action: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.EntryID, &at, &e.Actor, &e.Action, &e.Subject, &e.Detail); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.At = time.UnixMilli(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
