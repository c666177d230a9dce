package engine

// Top-level resource keys.
const (
	KeyCurrentUser   = "current_user"
	KeyMatches       = "matches"
	KeyConversations = "conversations"
)

// MessagesKey is the key of one conversation's message history.
func MessagesKey(conversationID string) string {
	return "messages:" + conversationID
}

// PreviewKey is the key of a cached link preview.
func PreviewKey(url string) string {
	return "preview:" + url
}
