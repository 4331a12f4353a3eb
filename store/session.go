package store

// SessionStatus mirrors the WAHA session lifecycle.
type SessionStatus string

const (
	SessionStatusConnecting SessionStatus = "connecting"
	SessionStatusScanQR     SessionStatus = "scan_qr"
	SessionStatusWorking    SessionStatus = "working"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusStopped    SessionStatus = "stopped"
)

// Session is the long-lived record for one tenant WhatsApp account.
// WahaAPIKey and WebhookSecret are stored sealed (AES-GCM, base64).
type Session struct {
	UID              string
	WAAccountID      string
	Name             string
	WahaBaseURL      string
	WahaAPIKey       string
	WebhookSecret    string
	ConnectionStatus SessionStatus
	FilterExpr       string
	CreatedTs        int64
	UpdatedTs        int64
	ID               int32
	CreatorID        int32
	AgentID          *int32
	MergeWindowMs    int32
	AutoReply        bool
	TypingIndicator  bool
}

type FindSession struct {
	ID          *int32
	UID         *string
	CreatorID   *int32
	WAAccountID *string
}

type UpdateSession struct {
	Name             *string
	WahaBaseURL      *string
	WahaAPIKey       *string
	WebhookSecret    *string
	ConnectionStatus *SessionStatus
	AutoReply        *bool
	AgentID          *int32
	ClearAgent       bool
	MergeWindowMs    *int32
	TypingIndicator  *bool
	FilterExpr       *string
	UpdatedTs        *int64
	ID               int32
}

type DeleteSession struct {
	ID int32
}
