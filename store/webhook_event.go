package store

// WebhookEvent is a dedup marker for one processed webhook delivery.
// event_id is payload.id when present, else "waAccountId:timestamp" (the
// fallback is not collision-proof under high concurrency; accepted).
// Rows expire after 24 hours via the janitor.
type WebhookEvent struct {
	EventID     string
	WAAccountID string
	ReceivedTs  int64
}
