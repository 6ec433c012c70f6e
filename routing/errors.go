package routing

import "errors"

var (
	// Router policy results
	ErrDuplicateMessage = errors.New("routing: duplicate message")
	ErrMessageExpired   = errors.New("routing: message expired")
	ErrRetriesExhausted = errors.New("routing: retries exhausted")

	// Storage results
	ErrMessageNotFound = errors.New("routing: message not found")

	// Real-time layer
	ErrRealtimeUnavailable = errors.New("routing: real-time channel unavailable")
)
