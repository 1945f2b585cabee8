package link

import "errors"

var (
	// ErrInvalidMessage is returned when a datagram fails structural
	// validation.
	ErrInvalidMessage = errors.New("invalid link message")

	// ErrHandshakeFailed is returned when the auth exchange does not
	// complete or the presented identity does not verify.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrFingerprintMismatch is returned when the remote's identity
	// does not match the fingerprint pinned in the out-route config.
	ErrFingerprintMismatch = errors.New("remote fingerprint mismatch")

	// ErrLinkClosed is returned on operations against a dead link.
	ErrLinkClosed = errors.New("link closed")

	// ErrRPCRemote is returned when the remote answered an RPC call
	// with an error.
	ErrRPCRemote = errors.New("rpc remote error")
)
