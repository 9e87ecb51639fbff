package chat

// ConversationIDPrefix prefixes every derived conversation key.
const ConversationIDPrefix = "conv_"

// DeriveConversationID derives the stable conversation key for a participant
// pair. The two IDs are ordered lexicographically before concatenation, so the
// result is independent of argument order:
//
//	DeriveConversationID(a, b) == DeriveConversationID(b, a)
//
// Pure and total; it never fails.
func DeriveConversationID(a, b string) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	return ConversationIDPrefix + lo + "_" + hi
}
