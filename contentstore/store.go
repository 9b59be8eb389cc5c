// Package contentstore places module payloads at addresses derived
// deterministically from (salt, content hash).
//
// Placement is append-only and idempotent: re-placing identical content at
// the same address is a no-op success that re-executes no side effects and
// charges no second fee, while different content at an occupied address is
// an address collision. Any party can predict a module's address before it
// is placed (Predict agrees byte-for-byte with Place).
package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/manifold/digest"
)

// Module is one placed payload. Created once per unique content, immutable
// thereafter, never destroyed.
type Module struct {
	Address     digest.Address
	ContentHash digest.Hash
	PayloadSize int64
	Placer      string
	FeePaid     uint64
	PlacedAt    time.Time
}

// Policy bounds what the store accepts.
type Policy struct {
	// MaxPayloadSize rejects larger payloads with ErrSizeExceeded.
	MaxPayloadSize int64
	// PlacementFee, when non-zero, requires PlaceOptions.Fee to cover it.
	PlacementFee uint64
}

// PlaceOptions carries per-call placement parameters.
type PlaceOptions struct {
	Placer string // caller identity recorded on the module
	Fee    uint64 // fee offered with this placement
}

// Store persists placed modules in SQLite and enforces the placement policy.
type Store struct {
	db     *sql.DB
	policy Policy
	logger *slog.Logger
	onPlace func(Module)

	// Serializes the occupied-check + insert of Place. Reads are lock-free.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPlacementHook registers a callback fired once per newly placed module.
// This is the placement record external indexers observe; idempotent
// re-placements never fire it.
func WithPlacementHook(fn func(Module)) Option {
	return func(s *Store) { s.onPlace = fn }
}

// New creates a Store over db. Call EnsureSchema once at startup.
func New(db *sql.DB, policy Policy, opts ...Option) *Store {
	s := &Store{
		db:     db,
		policy: policy,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnsureSchema creates the modules table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS modules (
			address      TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			payload      BLOB NOT NULL,
			payload_size INTEGER NOT NULL,
			placer       TEXT NOT NULL DEFAULT '',
			fee_paid     INTEGER NOT NULL DEFAULT 0,
			placed_at    INTEGER NOT NULL  -- milliseconds since epoch
		);
		CREATE INDEX IF NOT EXISTS idx_modules_hash ON modules (content_hash);
	`)
	if err != nil {
		return fmt.Errorf("contentstore: ensure schema: %w", err)
	}
	return nil
}

// Predict computes the address Place would assign to (payload, salt).
// Pure: no state is read or written.
func (s *Store) Predict(payload []byte, salt digest.Salt) digest.Address {
	return digest.DeriveAddress(salt, digest.Sum(payload))
}

// PredictHash computes the content hash Place would record for payload.
func (s *Store) PredictHash(payload []byte) digest.Hash {
	return digest.Sum(payload)
}

// Place stores payload at its derived address.
//
// Validation order: size, then occupied-address check, then fee, all before the
// insert, so a failed call leaves no partial state. If the address is
// already occupied by identical content the call succeeds idempotently,
// returning the existing module without charging the fee or firing the
// placement hook again.
func (s *Store) Place(ctx context.Context, payload []byte, salt digest.Salt, opts PlaceOptions) (*Module, error) {
	if s.policy.MaxPayloadSize > 0 && int64(len(payload)) > s.policy.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrSizeExceeded, len(payload), s.policy.MaxPayloadSize)
	}

	content := digest.Sum(payload)
	addr := digest.DeriveAddress(salt, content)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.get(ctx, addr)
	switch {
	case err == nil:
		if existing.ContentHash == content {
			// Idempotent re-placement: no side effects, no fee.
			return existing, nil
		}
		return nil, &CollisionError{Address: addr, Existing: existing.ContentHash, Proposed: content}
	case !errors.Is(err, ErrModuleNotFound):
		return nil, err
	}

	if s.policy.PlacementFee > 0 && opts.Fee < s.policy.PlacementFee {
		return nil, fmt.Errorf("%w: offered %d, required %d", ErrFeeInsufficient, opts.Fee, s.policy.PlacementFee)
	}

	m := &Module{
		Address:     addr,
		ContentHash: content,
		PayloadSize: int64(len(payload)),
		Placer:      opts.Placer,
		FeePaid:     opts.Fee,
		PlacedAt:    time.Now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO modules (address, content_hash, payload, payload_size, placer, fee_paid, placed_at)
		VALUES (?,?,?,?,?,?,?)`,
		m.Address.Hex(), m.ContentHash.Hex(), payload, m.PayloadSize, m.Placer, int64(m.FeePaid), m.PlacedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("contentstore: place: %w", err)
	}

	s.logger.Info("contentstore: module placed",
		"address", m.Address.Hex(),
		"content_hash", m.ContentHash.Hex(),
		"size", m.PayloadSize,
		"placer", m.Placer)
	if s.onPlace != nil {
		s.onPlace(*m)
	}
	return m, nil
}

// Get returns the module at addr, or ErrModuleNotFound.
func (s *Store) Get(ctx context.Context, addr digest.Address) (*Module, error) {
	return s.get(ctx, addr)
}

// LiveContentHash returns the current content hash at addr. ok is false when
// no module is placed there.
func (s *Store) LiveContentHash(ctx context.Context, addr digest.Address) (digest.Hash, bool, error) {
	var hexHash string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM modules WHERE address = ?`, addr.Hex()).Scan(&hexHash)
	if errors.Is(err, sql.ErrNoRows) {
		return digest.Hash{}, false, nil
	}
	if err != nil {
		return digest.Hash{}, false, fmt.Errorf("contentstore: live hash: %w", err)
	}
	h, err := digest.ParseHash(hexHash)
	if err != nil {
		return digest.Hash{}, false, err
	}
	return h, true, nil
}

// Payload returns the stored payload at addr, or ErrModuleNotFound.
func (s *Store) Payload(ctx context.Context, addr digest.Address) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM modules WHERE address = ?`, addr.Hex()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, addr.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("contentstore: payload: %w", err)
	}
	return payload, nil
}

// Count returns the number of placed modules.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM modules`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("contentstore: count: %w", err)
	}
	return n, nil
}

func (s *Store) get(ctx context.Context, addr digest.Address) (*Module, error) {
	var (
		m        Module
		hexHash  string
		fee      int64
		placedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash, payload_size, placer, fee_paid, placed_at
		FROM modules WHERE address = ?`, addr.Hex()).
		Scan(&hexHash, &m.PayloadSize, &m.Placer, &fee, &placedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, addr.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("contentstore: get: %w", err)
	}
	m.Address = addr
	m.ContentHash, err = digest.ParseHash(hexHash)
	if err != nil {
		return nil, err
	}
	m.FeePaid = uint64(fee)
	m.PlacedAt = time.UnixMilli(placedAt)
	return &m, nil
}
