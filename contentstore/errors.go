package contentstore

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/manifold/digest"
)

// ErrSizeExceeded is returned when a payload is larger than the store's
// maximum. Checked before any state change.
var ErrSizeExceeded = errors.New("contentstore: payload size exceeded")

// ErrFeeInsufficient is returned when the offered fee is below the placement
// fee. Checked before any state change; never charged partially.
var ErrFeeInsufficient = errors.New("contentstore: placement fee insufficient")

// ErrModuleNotFound is returned when no module exists at an address.
var ErrModuleNotFound = errors.New("contentstore: module not found")

// CollisionError is returned when placement would land on an address already
// occupied by different content. Placement is append-only, so this is fatal
// to the call: the existing module is never overwritten.
type CollisionError struct {
	Address  digest.Address
	Existing digest.Hash
	Proposed digest.Hash
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("contentstore: address collision at %s: existing %s, proposed %s",
		e.Address.Hex(), e.Existing.Hex(), e.Proposed.Hex())
}
