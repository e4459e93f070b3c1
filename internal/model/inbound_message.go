// internal/model/inbound_message.go
package model

import "time"

const (
	InboundReply  = "reply"
	InboundBounce = "bounce"
)

// IncomingMessage is a normalized message handed over by the mailbox reader.
type IncomingMessage struct {
	MessageID  string    `json:"message_id"`
	InReplyTo  string    `json:"in_reply_to"`
	References string    `json:"references"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// InboundMessage is a stored, correlated reply or bounce. LeadID is nil when
// nothing matched; those rows wait for manual triage.
type InboundMessage struct {
	ID               int       `db:"id" json:"id"`
	LeadID           *int      `db:"lead_id" json:"lead_id,omitempty"`
	DispatchRecordID *int      `db:"dispatch_record_id" json:"dispatch_record_id,omitempty"`
	IdentityID       int       `db:"identity_id" json:"identity_id"`
	MessageID        string    `db:"message_id" json:"message_id"`
	InReplyTo        string    `db:"in_reply_to" json:"in_reply_to,omitempty"`
	References       string    `db:"references_header" json:"references,omitempty"`
	FromAddress      string    `db:"from_address" json:"from"`
	Subject          string    `db:"subject" json:"subject"`
	Body             string    `db:"body" json:"body"`
	Kind             string    `db:"kind" json:"kind"`
	Label            string    `db:"label" json:"label,omitempty"`
	BounceType       string    `db:"bounce_type" json:"bounce_type,omitempty"`
	ReceivedAt       time.Time `db:"received_at" json:"received_at"`
}
