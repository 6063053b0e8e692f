package chat

import "errors"

// Validation errors returned synchronously by Session.
var (
	ErrNotJoined        = errors.New("chat: not joined")
	ErrEmptyBody        = errors.New("chat: empty message body")
	ErrBodyTooLong      = errors.New("chat: message body too long")
	ErrEmptyParticipant = errors.New("chat: empty participant id")
	ErrClosed           = errors.New("chat: session closed")
	ErrUnknownMessage   = errors.New("chat: unknown or non-failed message")
	ErrDuplicatePending = errors.New("chat: duplicate pending correlation id")
)

// Transport errors.
var (
	ErrNotConnected     = errors.New("chat: transport not connected")
	ErrBackpressure     = errors.New("chat: send queue full")
	ErrAlreadyStarted   = errors.New("chat: transport already started")
	ErrConnectionFailed = errors.New("chat: connection failed")
)

// ErrConfig is returned by LoadConfigFromEnv and Config.Validate.
var ErrConfig = errors.New("chat: invalid config")
