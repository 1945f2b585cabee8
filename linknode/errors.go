package linknode

import "errors"

var (
	// ErrNotRelay is returned when an operation requires a relay
	// identity this node does not hold.
	ErrNotRelay = errors.New("node is not a relay")

	// ErrNoRoute is returned when no usable route toward a destination
	// exists.
	ErrNoRoute = errors.New("no route to destination")

	// ErrNoNeighbors is returned when routing is attempted with no
	// connected relay neighbors.
	ErrNoNeighbors = errors.New("no connected relay neighbors")

	// ErrNotConnected is returned when addressing a neighbor we hold
	// no link to.
	ErrNotConnected = errors.New("not connected to neighbor")

	// ErrDebtExceeded is returned when a neighbor is over its debt
	// cap.
	ErrDebtExceeded = errors.New("neighbor exceeds debt cap")

	// ErrReplayedPacket is returned when a packet hash was already
	// seen within the replay window.
	ErrReplayedPacket = errors.New("replayed packet")

	// ErrShuttingDown is returned on operations against a stopped
	// node.
	ErrShuttingDown = errors.New("link node shutting down")
)
