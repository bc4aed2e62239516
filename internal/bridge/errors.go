package bridge

import "errors"

var (
	// ErrNotConnected is returned when a request is attempted while the
	// socket is down. Requests are never queued: callers are actively
	// waiting and a stale answer is worse than an immediate failure.
	ErrNotConnected = errors.New("not connected to host")

	// ErrTimeout is returned when no response arrived within the
	// request deadline. The pending entry is discarded; a response
	// arriving later for the same id is silently dropped.
	ErrTimeout = errors.New("request timed out")

	// ErrClosed is returned when an operation is attempted after Close.
	ErrClosed = errors.New("connection closed")

	// ErrConnectInProgress is returned when Connect is called while a
	// dial attempt is already underway.
	ErrConnectInProgress = errors.New("connect already in progress")
)
