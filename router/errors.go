package router

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/manifold/digest"
)

// ErrEpochNotMonotonic is returned when a commit's epoch is not strictly
// greater than the active epoch. Rejecting stale epochs prevents replaying
// an old manifest over a newer one.
var ErrEpochNotMonotonic = errors.New("router: epoch not monotonic")

// ErrNoPendingCommit is returned when apply is called with nothing committed.
var ErrNoPendingCommit = errors.New("router: no pending commit")

// ErrNotYetActivatable is returned when apply is called before the
// activation delay has elapsed. The boundary is inclusive: apply succeeds
// exactly at committedAt + delay.
var ErrNotYetActivatable = errors.New("router: activation delay not elapsed")

// ErrRootMismatch is returned when the supplied entries do not hash to the
// committed root. Nothing is applied.
var ErrRootMismatch = errors.New("router: entries do not match committed root")

// ErrDuplicateOperation is returned when a snapshot routes the same
// operation twice.
var ErrDuplicateOperation = errors.New("router: duplicate operation in snapshot")

// ErrRouteNotFound is returned when no active entry routes the operation.
var ErrRouteNotFound = errors.New("router: route not found")

// ErrForbidden is returned for operations on the forbidden list. Forbidding
// always wins, even over a valid active route.
var ErrForbidden = errors.New("router: operation forbidden")

// ErrPaused is returned for all routing while the router is paused.
var ErrPaused = errors.New("router: paused")

// ErrRunnerNotBound is returned by Invoke when the resolved module address
// has no registered runner in this host.
var ErrRunnerNotBound = errors.New("router: no runner bound for module address")

// ErrProofInvalid is returned when a Merkle proof does not verify against
// the active root.
var ErrProofInvalid = errors.New("router: inclusion proof invalid")

// StaleCodeError reports that a module's live content hash no longer matches
// the hash the manifest recorded, at apply time or at route time. The
// router always fails closed on it rather than forwarding to unexpected code.
type StaleCodeError struct {
	OperationID string
	Address     digest.Address
	Want        digest.Hash
	Live        digest.Hash
	LiveMissing bool // no module is placed at the address at all
}

func (e *StaleCodeError) Error() string {
	if e.LiveMissing {
		return fmt.Sprintf("router: stale code for %q: no module at %s (want %s)",
			e.OperationID, e.Address.Hex(), e.Want.Hex())
	}
	return fmt.Sprintf("router: stale code for %q at %s: live %s, want %s",
		e.OperationID, e.Address.Hex(), e.Live.Hex(), e.Want.Hex())
}
