package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message body length (runes). Matches the chat client default.
	maxMessageChars = 4000

	// History sent in answer to joinPrivateChat.
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// A two-party room never has more distinct participants than this.
	maxRoomParticipants = 2
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
