package store

// InterventionAction names one manual or punctuation-driven state change.
type InterventionAction string

const (
	InterventionSessionPause       InterventionAction = "session_pause"
	InterventionSessionResume      InterventionAction = "session_resume"
	InterventionConversationPause  InterventionAction = "conversation_pause"
	InterventionConversationResume InterventionAction = "conversation_resume"
)

// InterventionAuditEntry is an append-only, short-retention trail of
// auto-reply state changes. Rows older than the retention window are swept
// by the janitor.
type InterventionAuditEntry struct {
	Action    InterventionAction
	Target    string
	Actor     string
	CreatedTs int64
	ID        int64
}

type FindInterventionAudit struct {
	Target *string
	// Since filters entries created at or after this unix timestamp.
	Since *int64
	Limit *int
}
