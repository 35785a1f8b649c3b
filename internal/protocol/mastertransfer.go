package protocol

import "github.com/ridgestore/ridgestore/internal/membership"

// MastershipTransfer carries the epoch of a mastership transfer. Nothing
// in this module constructs it, and a transfer does not end the cluster
// loop: mastership stays with whichever node is first in storage-roster
// order (invariant 2).
type MastershipTransfer struct {
	Epoch uint32
}

// ShouldBecomeMaster reports whether core's owner is now first in
// storage-roster order; it is the same test as core.IsMaster.
func ShouldBecomeMaster(core *membership.Core) bool {
	return core.IsMaster()
}
