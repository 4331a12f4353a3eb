package store

// MessageRole distinguishes the two sides of an exchange.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// MessageStatus is the lifecycle of one persisted message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusSent       MessageStatus = "sent"
	MessageStatusPartial    MessageStatus = "partial"
	MessageStatusSuppressed MessageStatus = "suppressed"
	MessageStatusFailed     MessageStatus = "failed"
)

// Message is an append-only record keyed by (chatKey, turn, role).
type Message struct {
	ChatKey     ChatKey
	Role        MessageRole
	Content     string
	Status      MessageStatus
	WAMessageID string
	CreatedTs   int64
	ID          int64
	Turn        int32
	AckStatus   int32
}

type FindMessage struct {
	ChatKey *ChatKey
	Turn    *int32
	Role    *MessageRole
	Status  *MessageStatus
	// Last returns the most recent N messages in chronological order.
	Last   *int
	Limit  *int
	Offset *int
}

type UpdateMessage struct {
	Content     *string
	Status      *MessageStatus
	WAMessageID *string
	AckStatus   *int32
	ID          int64
}

// ExchangeBatch is the atomic write performed by the infer stage: the user
// message at turn N (completed), the assistant message at turn N+1
// (pending), and the conversation's last_turn advanced to N+1, all in one
// transaction.
type ExchangeBatch struct {
	ChatKey          ChatKey
	UserContent      string
	AssistantContent string
	Turn             int32
	UserCreatedTs    int64
}
