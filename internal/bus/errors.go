package bus

import "errors"

var (
	// ErrConnectionExhausted is returned by Connect after the configured
	// number of attempts has been used up. It is fatal to the owning
	// process; Connect does not retry past it.
	ErrConnectionExhausted = errors.New("bus: connection attempts exhausted")

	// ErrNotConnected is returned by Publish, Subscribe and Request when no
	// live broker connection exists.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrTimeout is returned by Request when no reply arrives in time.
	ErrTimeout = errors.New("bus: request timed out")
)
