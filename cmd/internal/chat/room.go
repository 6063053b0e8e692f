package chat

// RoomID returns the canonical room identifier for a two-party conversation.
//
// The ids are sorted, joined with "_" and every byte that is not an ASCII
// letter or digit is dropped, so RoomID(a, b) == RoomID(b, a). The separator
// is removed too; see RoomIDCollides.
func RoomID(a, b string) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}

	return strip(lo + "_" + hi)
}

// RoomIDCollides reports whether two different participant pairs map to the
// same room id ("ab"+"c" and "a"+"bc" both yield "abc").
func RoomIDCollides(a, b, c, d string) bool {
	if samePair(a, b, c, d) {
		return false
	}
	return RoomID(a, b) == RoomID(c, d)
}

// RoomIncludes reports whether participantID can be one side of roomID.
// It is a necessary condition only: with stripping, unrelated ids may match.
func RoomIncludes(roomID, participantID string) bool {
	stripped := strip(participantID)
	if stripped == "" || len(stripped) > len(roomID) {
		return false
	}
	return roomID[:len(stripped)] == stripped || roomID[len(roomID)-len(stripped):] == stripped
}

func strip(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if isAlnum(s[i]) {
			out = append(out, s[i])
		}
	}
	return string(out)
}

func samePair(a, b, c, d string) bool {
	return (a == c && b == d) || (a == d && b == c)
}

func isAlnum(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
