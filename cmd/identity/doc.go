// Package identity resolves who is on the other end of a connection.
//
// Participants are identified by the bearer credential issued by the
// surrounding application: an HS256 JWT whose "id" claim (or "sub" when
// "id" is absent) is the participant id. The gateway verifies it with a
// Verifier; clients only need ParticipantFromToken to learn their own id.
package identity
