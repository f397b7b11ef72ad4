package model

import "time"

// SubscriptionEvent is one classified signup attempt. The raw address is never
// stored: EmailHash is the stable key, EmailMasked is for humans.
type SubscriptionEvent struct {
	ID             string      `db:"id"              json:"id"`
	EmailHash      string      `db:"email_hash"      json:"email_hash"`
	EmailMasked    string      `db:"email_masked"    json:"email_masked"`
	Outcome        OutcomeKind `db:"outcome"         json:"outcome"`
	SubscriptionID string      `db:"subscription_id" json:"subscription_id,omitempty"`
	State          string      `db:"state"           json:"state,omitempty"`
	ClientKey      string      `db:"client_key"      json:"client_key"`
	CreatedAt      time.Time   `db:"created_at"      json:"created_at"`
}

// Envelope is the outbox payload relayed to Kafka.
type Envelope struct {
	ID    string            `json:"id"` // event ULID
	Event SubscriptionEvent `json:"event"`
}
