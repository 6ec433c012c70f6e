package realtime

import "errors"

var (
	// ErrNotConnected is returned when a broker operation is attempted
	// before Connect succeeded.
	ErrNotConnected = errors.New("realtime: broker not connected")

	// ErrSubscriptionClosed is returned when the broker ends a
	// subscription from its side.
	ErrSubscriptionClosed = errors.New("realtime: subscription closed")

	// ErrBrokerClosed is returned for operations on a closed broker.
	ErrBrokerClosed = errors.New("realtime: broker closed")
)
