package router

import (
	"context"
	"fmt"

	"github.com/hazyhaar/manifold/digest"
	"github.com/hazyhaar/manifold/routetable"
)

// BindRunner registers the entry point for a module address in this host.
// The router never constructs runners itself; the host binds them after
// placing modules. Rebinding an address replaces the previous runner.
func (r *Router) BindRunner(addr digest.Address, run Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[addr] = run
}

// Invoke resolves operationID through Route and forwards the invocation to
// the module's runner. The caller's context and payload pass through
// unchanged; the router does not inspect or alter either. All Route failure
// modes apply, plus ErrRunnerNotBound when the host never bound the
// resolved address.
func (r *Router) Invoke(ctx context.Context, operationID string, payload []byte) ([]byte, error) {
	addr, err := r.Route(ctx, operationID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	run, ok := r.runners[addr]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (operation %q)", ErrRunnerNotBound, addr.Hex(), operationID)
	}
	return run(ctx, payload)
}

// ProveRoute produces the Merkle inclusion proof of the active entry for
// operationID against the active table. After an emergency RemoveRoutes the
// active table no longer hashes to the active root, so proofs are only
// meaningful while the table is exactly the applied snapshot.
func (r *Router) ProveRoute(operationID string) (routetable.Entry, []digest.Hash, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.routes[operationID]
	if !ok {
		return routetable.Entry{}, nil, fmt.Errorf("%w: %q", ErrRouteNotFound, operationID)
	}

	entries := make([]routetable.Entry, 0, len(r.routes))
	index := -1
	for _, re := range r.routes {
		if re.OperationID == operationID {
			index = len(entries)
		}
		entries = append(entries, re)
	}
	siblings, err := routetable.Prove(entries, index)
	if err != nil {
		return routetable.Entry{}, nil, err
	}
	return e, siblings, nil
}

// VerifyRoute checks an inclusion proof for an entry against the active
// root. External auditors use this to confirm a served route belongs to the
// committed manifest without holding the full table.
func (r *Router) VerifyRoute(entry routetable.Entry, siblings []digest.Hash) error {
	r.mu.RLock()
	root := r.activeRoot
	r.mu.RUnlock()

	if !routetable.VerifyProof(routetable.LeafHash(entry), siblings, root) {
		return fmt.Errorf("%w: operation %q against root %s", ErrProofInvalid, entry.OperationID, root.Hex())
	}
	return nil
}
