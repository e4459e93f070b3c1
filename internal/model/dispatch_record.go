// internal/model/dispatch_record.go
package model

import "time"

const (
	DispatchSent    = "sent"
	DispatchFailed  = "failed"
	DispatchBounced = "bounced"
)

// DispatchRecord is one send attempt. Records are never deleted; the only
// mutation is sent -> bounced once a bounce is correlated.
type DispatchRecord struct {
	ID         int       `db:"id" json:"id"`
	LeadID     int       `db:"lead_id" json:"lead_id"`
	CampaignID int       `db:"campaign_id" json:"campaign_id"`
	StepID     int       `db:"step_id" json:"step_id"`
	StepNumber int       `db:"step_number" json:"step_number"`
	IdentityID int       `db:"identity_id" json:"identity_id"`
	MessageID  string    `db:"message_id" json:"message_id,omitempty"`
	Subject    string    `db:"subject" json:"subject"`
	Body       string    `db:"body" json:"body"`
	Status     string    `db:"status" json:"status"`
	LastError  string    `db:"last_error" json:"last_error,omitempty"`
	SentAt     time.Time `db:"sent_at" json:"sent_at"`
}
