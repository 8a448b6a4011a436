package session

import "errors"

var (
	// ErrNoSession means the user has no live session at all.
	ErrNoSession = errors.New("no active session for user")
	// ErrNotConnected means a session exists but pairing has not completed.
	ErrNotConnected = errors.New("session is not connected")
	// ErrNoQR means there is no pairing code to show right now.
	ErrNoQR = errors.New("no pairing code available")
	// ErrInvalidRequest covers missing or malformed request fields.
	ErrInvalidRequest = errors.New("invalid request")
)
