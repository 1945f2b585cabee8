package packet

import "errors"

var (
	// ErrMalformedPacket is returned when a packet or inner payload
	// fails structural validation.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrPeelFailed is returned when a layer does not decrypt under
	// this node's onion secret.
	ErrPeelFailed = errors.New("peel failed")

	// ErrRouteTooLong is returned when a requested route exceeds the
	// header capacity or the privacy config's peeler bound.
	ErrRouteTooLong = errors.New("route too long")

	// ErrPayloadTooLarge is returned when an inner packet does not fit
	// in the body region.
	ErrPayloadTooLarge = errors.New("payload too large")
)
