// Package waha is the HTTP client for a WAHA (WhatsApp HTTP API) gateway
// plus the wire types WAHA delivers to our webhook.
package waha

import "encoding/json"

// Session statuses reported by WAHA.
const (
	StatusStarting = "STARTING"
	StatusScanQR   = "SCAN_QR_CODE"
	StatusWorking  = "WORKING"
	StatusFailed   = "FAILED"
	StatusStopped  = "STOPPED"
)

// Webhook event names we subscribe to.
const (
	EventMessage       = "message"
	EventSessionStatus = "session.status"
	EventMessageAck    = "message.ack"
)

// WebhookEnvelope is the outer body of every WAHA webhook delivery.
type WebhookEnvelope struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Session   string          `json:"session"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MessagePayload is the payload of "message" events.
type MessagePayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to"`
	FromMe    bool   `json:"fromMe"`
	Body      string `json:"body"`
	HasMedia  bool   `json:"hasMedia"`
}

// ChatID returns the conversation peer: the sender for inbound messages,
// the recipient for operator messages echoed back with fromMe.
func (p *MessagePayload) ChatID() string {
	if p.FromMe {
		return p.To
	}
	return p.From
}

// SessionStatusPayload is the payload of "session.status" events.
type SessionStatusPayload struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// AckPayload is the payload of "message.ack" events. Levels follow
// WhatsApp: 1 sent, 2 delivered, 3 read, 4 played.
type AckPayload struct {
	ID      string `json:"id"`
	Ack     int32  `json:"ack"`
	AckName string `json:"ackName"`
}

// NormalizeStatus maps a WAHA session status onto the stored lifecycle
// names. Unknown statuses map to "connecting" so a new WAHA release cannot
// wedge a session row into an invalid state.
func NormalizeStatus(status string) string {
	switch status {
	case StatusWorking:
		return "working"
	case StatusScanQR:
		return "scan_qr"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return "connecting"
	}
}
