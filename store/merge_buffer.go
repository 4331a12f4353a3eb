package store

// MergeBuffer is the persisted snapshot of one chat's in-flight merge
// window. The in-memory actor owns the live copy; this row only exists so
// buffered messages survive a restart. Deleted on flush.
type MergeBuffer struct {
	ChatKey ChatKey
	// Messages is the JSON-encoded ordered slice of buffered inbound messages.
	Messages          []byte
	SessionID         int32
	WindowMs          int32
	StartTimeMs       int64
	LastMessageTimeMs int64
	UpdatedTs         int64
}

type UpsertMergeBuffer struct {
	ChatKey           ChatKey
	Messages          []byte
	SessionID         int32
	WindowMs          int32
	StartTimeMs       int64
	LastMessageTimeMs int64
}

type DeleteMergeBuffer struct {
	ChatKey ChatKey
}
