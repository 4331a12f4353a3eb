package store

// Conversation tracks one ChatKey. last_turn starts at -1 so the first user
// message lands on turn 0 and the first assistant message on turn 1.
type Conversation struct {
	ChatKey   ChatKey
	CreatedTs int64
	UpdatedTs int64
	ID        int32
	SessionID int32
	LastTurn  int32
	AutoReply bool
}

type FindConversation struct {
	ID        *int32
	ChatKey   *ChatKey
	SessionID *int32
	Limit     *int
	Offset    *int
}

type UpdateConversation struct {
	AutoReply *bool
	LastTurn  *int32
	UpdatedTs *int64
	ChatKey   ChatKey
}

// UpsertConversation lazily creates the Conversation row for a ChatKey.
// On conflict the existing row is returned untouched unless AutoReply is
// set, in which case the flag is overwritten (intervention writes are
// set-to-value and therefore idempotent).
type UpsertConversation struct {
	ChatKey   ChatKey
	SessionID int32
	AutoReply *bool
}
