package topology

import "errors"

var (
	// ErrInvalidDescriptor is returned when a descriptor fails
	// structural validation or its signature does not verify.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrOrderingViolation is returned when an adjacency does not
	// satisfy the left < right invariant, including self-adjacencies.
	ErrOrderingViolation = errors.New("adjacency ordering violation")

	// ErrUnknownIdentity is returned when an adjacency references a
	// relay whose identity descriptor is not in the graph.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrNoPathFound is returned when no route exists between the
	// requested endpoints.
	ErrNoPathFound = errors.New("no path found")
)
