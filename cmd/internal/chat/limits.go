package chat

// Validation limits enforced at the service boundary.
const (
	// Max message content length (runes).
	maxContentChars = 4000

	// Max attachments per message.
	maxAttachmentsPerMessage = 10

	// History paging defaults.
	defaultPageSize = 20
	maxPageSize     = 100
)
