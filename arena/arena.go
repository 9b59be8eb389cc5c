// Package arena gives each placed module an isolated mutable-state
// partition. Partitions are keyed by a hash of the module's address, so two
// modules can never collide on a key and the router never has to know what a
// module stores. The router itself does not read or write module state; the
// host binds a Namespace into each runner it registers.
package arena

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/hazyhaar/manifold/digest"
)

// ErrKeyNotFound is returned by Get for an absent key.
var ErrKeyNotFound = errors.New("arena: key not found")

// Arena is the shared SQLite-backed store of all module partitions.
type Arena struct {
	db *sql.DB
}

// New creates an Arena over db. Call EnsureSchema once at startup.
func New(db *sql.DB) *Arena {
	return &Arena{db: db}
}

// EnsureSchema creates the module_state table if it does not exist.
func (a *Arena) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS module_state (
			namespace TEXT NOT NULL,
			key       TEXT NOT NULL,
			value     BLOB NOT NULL,
			PRIMARY KEY (namespace, key)
		);
	`)
	if err != nil {
		return fmt.Errorf("arena: ensure schema: %w", err)
	}
	return nil
}

// Namespace returns the partition for the module placed at addr. The
// namespace key is stable across restarts: SHA3-256("arena:" || addr).
func (a *Arena) Namespace(addr digest.Address) *Namespace {
	h := sha3.New256()
	h.Write([]byte("arena:"))
	h.Write(addr[:])
	var key digest.Hash
	copy(key[:], h.Sum(nil))
	return &Namespace{arena: a, key: key.Hex()}
}

// Namespace is one module's private key-value partition.
type Namespace struct {
	arena *Arena
	key   string
}

// Key returns the partition's namespace key.
func (n *Namespace) Key() string { return n.key }

// Put stores value under key, replacing any previous value.
func (n *Namespace) Put(ctx context.Context, key string, value []byte) error {
	_, err := n.arena.db.ExecContext(ctx, `
		INSERT INTO module_state (namespace, key, value) VALUES (?,?,?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
		n.key, key, value)
	if err != nil {
		return fmt.Errorf("arena: put %q: %w", key, err)
	}
	return nil
}

// Get returns the value under key, or ErrKeyNotFound.
func (n *Namespace) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := n.arena.db.QueryRowContext(ctx,
		`SELECT value FROM module_state WHERE namespace = ? AND key = ?`,
		n.key, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("arena: get %q: %w", key, err)
	}
	return value, nil
}

// Delete removes key from the partition. Deleting an absent key is a no-op.
func (n *Namespace) Delete(ctx context.Context, key string) error {
	_, err := n.arena.db.ExecContext(ctx,
		`DELETE FROM module_state WHERE namespace = ? AND key = ?`, n.key, key)
	if err != nil {
		return fmt.Errorf("arena: delete %q: %w", key, err)
	}
	return nil
}

// Keys returns all keys in the partition, sorted.
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	rows, err := n.arena.db.QueryContext(ctx,
		`SELECT key FROM module_state WHERE namespace = ? ORDER BY key`, n.key)
	if err != nil {
		return nil, fmt.Errorf("arena: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("arena: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
