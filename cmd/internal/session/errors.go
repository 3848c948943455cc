package session

import "errors"

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrNotConnected   = errors.New("session not connected")
	ErrRateLimited    = errors.New("send rate limit exceeded")
	ErrNotOnNetwork   = errors.New("destination is not on the network")
	ErrShuttingDown   = errors.New("session manager shutting down")

	// errActorGone is returned by do on an actor that was reaped; callers look
	// the session up again.
	errActorGone = errors.New("session actor reaped")
)
