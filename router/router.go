// Package router implements the governed manifest-router state machine.
//
// The router holds one active route table bound to a Merkle root, accepts a
// pending root through a role-gated two-phase commit (propose, then apply
// after an activation delay), and forwards invocations only to modules whose
// live content hash still matches what the manifest recorded. Guardians hold
// an emergency path (pause, forbidden operations, immediate route removal)
// that bypasses the delay.
//
// State transitions:
//
//	Empty → commit → Pending → apply (after delay) → Active → commit → ...
//
// with Paused reachable from any state (guardian) and immediate route
// removal mutating Active directly (guardian). All validation happens before
// any mutation; every mutation persists to SQLite and its audit entry in one
// transaction, so a failure leaves no partial state.
package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/manifold/access"
	"github.com/hazyhaar/manifold/audit"
	"github.com/hazyhaar/manifold/digest"
	"github.com/hazyhaar/manifold/kit"
	"github.com/hazyhaar/manifold/routetable"
)

// ContentReader is the slice of the content store the router needs for
// freshness checks.
type ContentReader interface {
	LiveContentHash(ctx context.Context, addr digest.Address) (digest.Hash, bool, error)
}

// Runner is a module entry point. The router forwards the caller's context
// and payload unchanged; caller identity travels via kit.
type Runner func(ctx context.Context, payload []byte) ([]byte, error)

// PendingCommit is the single not-yet-applied root. At most one exists;
// a new commit replaces it (last committer wins).
type PendingCommit struct {
	RootHash    digest.Hash
	Epoch       uint64
	CommittedAt time.Time
}

// Options configures a Router.
type Options struct {
	// ActivationDelay is the minimum wait between commit and apply. The
	// window exists so off-band observers can react to a malicious or
	// erroneous pending commit through the emergency path.
	ActivationDelay time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Trail, when set, records every governance mutation.
	Trail *audit.Trail
	// Clock overrides time.Now (tests).
	Clock func() time.Time
}

// Router owns the active state, the pending commit and the forbidden set.
type Router struct {
	db      *sql.DB
	content ContentReader
	authz   access.Authorizer
	delay   time.Duration
	logger  *slog.Logger
	trail   *audit.Trail
	now     func() time.Time

	mu          sync.RWMutex
	activeRoot  digest.Hash
	activeEpoch uint64
	paused      bool
	routes      map[string]routetable.Entry
	pending     *PendingCommit
	forbidden   map[string]struct{}
	runners     map[digest.Address]Runner
}

// New creates a Router in the Empty state: no routes, epoch 0, unpaused,
// active root EmptyRoot. Call EnsureSchema then Load to restore persisted
// state before serving.
func New(db *sql.DB, content ContentReader, authz access.Authorizer, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Router{
		db:        db,
		content:   content,
		authz:     authz,
		delay:     opts.ActivationDelay,
		logger:    opts.Logger,
		trail:     opts.Trail,
		now:       opts.Clock,
		routes:    make(map[string]routetable.Entry),
		forbidden: make(map[string]struct{}),
		runners:   make(map[digest.Address]Runner),
	}
}

// EnsureSchema creates the router tables if they do not exist.
func (r *Router) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS router_state (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			active_root  TEXT NOT NULL,
			active_epoch INTEGER NOT NULL,
			paused       INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS routes (
			operation_id   TEXT PRIMARY KEY,
			module_address TEXT NOT NULL,
			code_hash      TEXT NOT NULL,
			priority       INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS pending_commit (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			root_hash    TEXT NOT NULL,
			epoch        INTEGER NOT NULL,
			committed_at INTEGER NOT NULL  -- milliseconds since epoch
		);
		CREATE TABLE IF NOT EXISTS forbidden_ops (
			operation_id TEXT PRIMARY KEY
		);
	`)
	if err != nil {
		return fmt.Errorf("router: ensure schema: %w", err)
	}
	return nil
}

// Load restores active state, routes, pending commit and forbidden set from
// the database. A fresh database leaves the router Empty.
func (r *Router) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rootHex string
	var epoch uint64
	var paused int
	err := r.db.QueryRowContext(ctx,
		`SELECT active_root, active_epoch, paused FROM router_state WHERE id = 1`).
		Scan(&rootHex, &epoch, &paused)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Empty state: nothing persisted yet.
	case err != nil:
		return fmt.Errorf("router: load state: %w", err)
	default:
		root, perr := digest.ParseHash(rootHex)
		if perr != nil {
			return fmt.Errorf("router: load state: %w", perr)
		}
		r.activeRoot = root
		r.activeEpoch = epoch
		r.paused = paused != 0
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT operation_id, module_address, code_hash, priority FROM routes`)
	if err != nil {
		return fmt.Errorf("router: load routes: %w", err)
	}
	defer rows.Close()
	routes := make(map[string]routetable.Entry)
	for rows.Next() {
		var opID, addrHex, hashHex string
		var prio int
		if err := rows.Scan(&opID, &addrHex, &hashHex, &prio); err != nil {
			return fmt.Errorf("router: load routes: %w", err)
		}
		addr, err := digest.ParseAddress(addrHex)
		if err != nil {
			return fmt.Errorf("router: load routes: %w", err)
		}
		h, err := digest.ParseHash(hashHex)
		if err != nil {
			return fmt.Errorf("router: load routes: %w", err)
		}
		routes[opID] = routetable.Entry{OperationID: opID, ModuleAddress: addr, CodeHash: h, Priority: prio}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("router: load routes: %w", err)
	}
	r.routes = routes

	var pcRootHex string
	var pcEpoch uint64
	var pcAt int64
	err = r.db.QueryRowContext(ctx,
		`SELECT root_hash, epoch, committed_at FROM pending_commit WHERE id = 1`).
		Scan(&pcRootHex, &pcEpoch, &pcAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		r.pending = nil
	case err != nil:
		return fmt.Errorf("router: load pending: %w", err)
	default:
		root, perr := digest.ParseHash(pcRootHex)
		if perr != nil {
			return fmt.Errorf("router: load pending: %w", perr)
		}
		r.pending = &PendingCommit{RootHash: root, Epoch: pcEpoch, CommittedAt: time.UnixMilli(pcAt)}
	}

	fRows, err := r.db.QueryContext(ctx, `SELECT operation_id FROM forbidden_ops`)
	if err != nil {
		return fmt.Errorf("router: load forbidden: %w", err)
	}
	defer fRows.Close()
	forbidden := make(map[string]struct{})
	for fRows.Next() {
		var opID string
		if err := fRows.Scan(&opID); err != nil {
			return fmt.Errorf("router: load forbidden: %w", err)
		}
		forbidden[opID] = struct{}{}
	}
	if err := fRows.Err(); err != nil {
		return fmt.Errorf("router: load forbidden: %w", err)
	}
	r.forbidden = forbidden
	return nil
}

// CommitRoot records a pending root at the given epoch. Proposer authority.
// Only the root is required at commit time; the full manifest body can be
// published off-band for audit during the activation window. Any existing
// pending commit is replaced.
func (r *Router) CommitRoot(ctx context.Context, root digest.Hash, epoch uint64) error {
	if err := r.authz.Allow(ctx, access.RoleProposer); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitLocked(ctx, root, epoch, "commit_root")
}

// Rollback commits the root of a prior, previously-valid snapshot through
// the normal commit path: the activation delay and every apply-time
// invariant still hold. For an immediate partial rollback use RemoveRoutes.
func (r *Router) Rollback(ctx context.Context, epoch uint64, entries []routetable.Entry) (digest.Hash, error) {
	if err := r.authz.Allow(ctx, access.RoleProposer); err != nil {
		return digest.Hash{}, err
	}
	root := routetable.BuildRoot(entries)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.commitLocked(ctx, root, epoch, "rollback_commit"); err != nil {
		return digest.Hash{}, err
	}
	return root, nil
}

func (r *Router) commitLocked(ctx context.Context, root digest.Hash, epoch uint64, action string) error {
	if epoch <= r.activeEpoch {
		return fmt.Errorf("%w: epoch %d <= active epoch %d", ErrEpochNotMonotonic, epoch, r.activeEpoch)
	}

	pc := &PendingCommit{RootHash: root, Epoch: epoch, CommittedAt: r.now()}
	replaced := r.pending

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_commit (id, root_hash, epoch, committed_at) VALUES (1,?,?,?)
			ON CONFLICT (id) DO UPDATE SET
				root_hash = excluded.root_hash,
				epoch = excluded.epoch,
				committed_at = excluded.committed_at`,
			pc.RootHash.Hex(), pc.Epoch, pc.CommittedAt.UnixMilli()); err != nil {
			return err
		}
		return r.auditTx(ctx, tx, action, pc.RootHash.Hex(),
			fmt.Sprintf("epoch=%d delay=%s", epoch, r.delay))
	})
	if err != nil {
		return fmt.Errorf("router: %s: %w", action, err)
	}

	r.pending = pc
	if replaced != nil {
		r.logger.Warn("router: pending commit replaced",
			"old_root", replaced.RootHash.Hex(), "old_epoch", replaced.Epoch,
			"new_root", pc.RootHash.Hex(), "new_epoch", pc.Epoch)
	}
	r.logger.Info("router: root committed",
		"root", pc.RootHash.Hex(), "epoch", pc.Epoch,
		"activatable_at", pc.CommittedAt.Add(r.delay))
	return nil
}

// ApplyCommittedRoot activates the pending root. Activator authority.
//
// Invariants checked, in order, before any mutation: a pending commit
// exists; the activation delay has elapsed (boundary inclusive); the snapshot
// routes each operation at most once; the recomputed root of entries equals
// the committed root; every entry's code hash matches the module's live
// content hash. On success the active state swaps atomically and the pending
// commit clears.
func (r *Router) ApplyCommittedRoot(ctx context.Context, entries []routetable.Entry) error {
	if err := r.authz.Allow(ctx, access.RoleActivator); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return ErrNoPendingCommit
	}
	activatableAt := r.pending.CommittedAt.Add(r.delay)
	if now := r.now(); now.Before(activatableAt) {
		return fmt.Errorf("%w: activatable at %s (now %s)",
			ErrNotYetActivatable, activatableAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if dup, ok := routetable.DuplicateOperation(entries); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateOperation, dup)
	}
	if got := routetable.BuildRoot(entries); got != r.pending.RootHash {
		return fmt.Errorf("%w: entries hash to %s, committed %s",
			ErrRootMismatch, got.Hex(), r.pending.RootHash.Hex())
	}
	for _, e := range entries {
		if err := r.checkFresh(ctx, e); err != nil {
			return err
		}
	}

	applied := *r.pending
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO router_state (id, active_root, active_epoch, paused) VALUES (1,?,?,?)
			ON CONFLICT (id) DO UPDATE SET
				active_root = excluded.active_root,
				active_epoch = excluded.active_epoch`,
			applied.RootHash.Hex(), applied.Epoch, boolToInt(r.paused)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM routes`); err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO routes (operation_id, module_address, code_hash, priority)
				VALUES (?,?,?,?)`,
				e.OperationID, e.ModuleAddress.Hex(), e.CodeHash.Hex(), e.Priority); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_commit WHERE id = 1`); err != nil {
			return err
		}
		return r.auditTx(ctx, tx, "apply_root", applied.RootHash.Hex(),
			fmt.Sprintf("epoch=%d routes=%d", applied.Epoch, len(entries)))
	})
	if err != nil {
		return fmt.Errorf("router: apply: %w", err)
	}

	routes := make(map[string]routetable.Entry, len(entries))
	for _, e := range entries {
		routes[e.OperationID] = e
	}
	r.activeRoot = applied.RootHash
	r.activeEpoch = applied.Epoch
	r.routes = routes
	r.pending = nil

	r.logger.Info("router: root applied",
		"root", applied.RootHash.Hex(), "epoch", applied.Epoch, "routes", len(entries))
	return nil
}

// Route resolves an operation to its module address. Read-only; safe to
// call concurrently with other reads. Order: paused, forbidden (forbidding
// beats a valid route), lookup, live-hash freshness.
func (r *Router) Route(ctx context.Context, operationID string) (digest.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.paused {
		return digest.Address{}, ErrPaused
	}
	if _, bad := r.forbidden[operationID]; bad {
		return digest.Address{}, fmt.Errorf("%w: %q", ErrForbidden, operationID)
	}
	e, ok := r.routes[operationID]
	if !ok {
		return digest.Address{}, fmt.Errorf("%w: %q", ErrRouteNotFound, operationID)
	}
	if err := r.checkFresh(ctx, e); err != nil {
		return digest.Address{}, err
	}
	return e.ModuleAddress, nil
}

// RemoveRoutes deletes entries from the active table immediately, bypassing
// the commit/apply delay. Guardian authority: this is the explicit escape
// hatch for incident response. The active epoch and any pending commit are
// untouched; after a removal the active table no longer hashes to the active
// root until the next apply.
func (r *Router) RemoveRoutes(ctx context.Context, operationIDs []string) error {
	if err := r.authz.Allow(ctx, access.RoleGuardian); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]string, 0, len(operationIDs))
	for _, id := range operationIDs {
		if _, ok := r.routes[id]; ok {
			removed = append(removed, id)
		}
	}

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range removed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE operation_id = ?`, id); err != nil {
				return err
			}
			if err := r.auditTx(ctx, tx, "remove_route", id, "emergency"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("router: remove routes: %w", err)
	}

	for _, id := range removed {
		delete(r.routes, id)
	}
	r.logger.Warn("router: routes removed", "requested", len(operationIDs), "removed", removed)
	return nil
}

// AddForbidden puts an operation on the forbidden list, effective
// immediately and independent of table contents. Guardian authority.
func (r *Router) AddForbidden(ctx context.Context, operationID string) error {
	if err := r.authz.Allow(ctx, access.RoleGuardian); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO forbidden_ops (operation_id) VALUES (?)
			ON CONFLICT (operation_id) DO NOTHING`, operationID); err != nil {
			return err
		}
		return r.auditTx(ctx, tx, "add_forbidden", operationID, "")
	})
	if err != nil {
		return fmt.Errorf("router: add forbidden: %w", err)
	}

	r.forbidden[operationID] = struct{}{}
	r.logger.Warn("router: operation forbidden", "operation", operationID)
	return nil
}

// RemoveForbidden takes an operation off the forbidden list. Guardian
// authority.
func (r *Router) RemoveForbidden(ctx context.Context, operationID string) error {
	if err := r.authz.Allow(ctx, access.RoleGuardian); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM forbidden_ops WHERE operation_id = ?`, operationID); err != nil {
			return err
		}
		return r.auditTx(ctx, tx, "remove_forbidden", operationID, "")
	})
	if err != nil {
		return fmt.Errorf("router: remove forbidden: %w", err)
	}

	delete(r.forbidden, operationID)
	r.logger.Info("router: operation unforbidden", "operation", operationID)
	return nil
}

// Pause stops all routing immediately. Guardian authority; idempotent.
func (r *Router) Pause(ctx context.Context) error {
	return r.setPaused(ctx, true)
}

// Unpause resumes routing. Guardian authority; idempotent.
func (r *Router) Unpause(ctx context.Context) error {
	return r.setPaused(ctx, false)
}

func (r *Router) setPaused(ctx context.Context, paused bool) error {
	if err := r.authz.Allow(ctx, access.RoleGuardian); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused == paused {
		return nil
	}
	action := "pause"
	if !paused {
		action = "unpause"
	}

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO router_state (id, active_root, active_epoch, paused) VALUES (1,?,?,?)
			ON CONFLICT (id) DO UPDATE SET paused = excluded.paused`,
			r.activeRoot.Hex(), r.activeEpoch, boolToInt(paused)); err != nil {
			return err
		}
		return r.auditTx(ctx, tx, action, "", "")
	})
	if err != nil {
		return fmt.Errorf("router: %s: %w", action, err)
	}

	r.paused = paused
	r.logger.Warn("router: paused state changed", "paused", paused)
	return nil
}

// checkFresh requires the module's live content hash to equal the entry's
// recorded hash. Fails closed on a missing module.
func (r *Router) checkFresh(ctx context.Context, e routetable.Entry) error {
	live, ok, err := r.content.LiveContentHash(ctx, e.ModuleAddress)
	if err != nil {
		return fmt.Errorf("router: freshness check for %q: %w", e.OperationID, err)
	}
	if !ok {
		return &StaleCodeError{OperationID: e.OperationID, Address: e.ModuleAddress, Want: e.CodeHash, LiveMissing: true}
	}
	if live != e.CodeHash {
		return &StaleCodeError{OperationID: e.OperationID, Address: e.ModuleAddress, Want: e.CodeHash, Live: live}
	}
	return nil
}

func (r *Router) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *Router) auditTx(ctx context.Context, tx *sql.Tx, action, subject, detail string) error {
	if r.trail == nil {
		return nil
	}
	return r.trail.RecordWith(ctx, tx, audit.Entry{
		At:      r.now(),
		Actor:   kit.GetCaller(ctx),
		Action:  action,
		Subject: subject,
		Detail:  detail,
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Introspection ---

// ActiveRoot returns the root hash of the active table (EmptyRoot when no
// manifest has ever been applied).
func (r *Router) ActiveRoot() digest.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeRoot
}

// ActiveEpoch returns the epoch of the active table (0 when Empty).
func (r *Router) ActiveEpoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeEpoch
}

// RouteCount returns the number of active routes.
func (r *Router) RouteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// AllRoutes returns the active entries sorted by operation ID.
func (r *Router) AllRoutes() []routetable.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]routetable.Entry, 0, len(r.routes))
	for _, e := range r.routes {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].OperationID < entries[j].OperationID
	})
	return entries
}

// IsForbidden reports whether an operation is on the forbidden list.
func (r *Router) IsForbidden(operationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.forbidden[operationID]
	return ok
}

// Forbidden returns the forbidden operations, sorted.
func (r *Router) Forbidden() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.forbidden))
	for id := range r.forbidden {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsPaused reports whether routing is paused.
func (r *Router) IsPaused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

// Pending returns a copy of the pending commit, if one exists.
func (r *Router) Pending() (PendingCommit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pending == nil {
		return PendingCommit{}, false
	}
	return *r.pending, true
}
