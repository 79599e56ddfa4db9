package node

import "errors"

// ErrNodeRemoved is surfaced to any Transaction still queued for a node
// that was removed from the network, spec.md §3.
var ErrNodeRemoved = errors.New("node: removed")
