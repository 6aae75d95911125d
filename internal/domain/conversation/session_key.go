package conversation

import "strings"

const sessionKeySeparator = "::"

// SessionKey derives the canonical pairing key for two participants. The
// key is order independent: SessionKey(a, b) == SessionKey(b, a).
func SessionKey(a, b string) string {
	na := normalizeParticipant(a)
	nb := normalizeParticipant(b)
	if na > nb {
		na, nb = nb, na
	}
	return na + sessionKeySeparator + nb
}

func normalizeParticipant(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
