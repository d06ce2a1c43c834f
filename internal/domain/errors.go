package domain

import "errors"

var (
	// ErrNotFound: room missing or not approved. Terminal, not retried.
	ErrNotFound = errors.New("room not found")
	// ErrRoomEnded: the host ended the broadcast.
	ErrRoomEnded = errors.New("room ended")
	// ErrTransportFailure: peer connection failed or the offer could not be delivered.
	// The caller may retry with a fresh connection.
	ErrTransportFailure = errors.New("transport failure")
	// ErrStaleMessage: duplicate or late answer, malformed candidate. Dropped and logged.
	ErrStaleMessage = errors.New("stale message")
	// ErrStoreWrite: a signaling write did not persist.
	ErrStoreWrite = errors.New("signaling store write failed")

	ErrInvalidRoomID = errors.New("invalid room id")
)
