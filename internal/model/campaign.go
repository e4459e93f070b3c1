// internal/model/campaign.go
package model

import "time"

const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

type Campaign struct {
	ID                int        `db:"id" json:"id"`
	Name              string     `db:"name" json:"name"`
	Status            string     `db:"status" json:"status"`
	PrimaryIdentityID int        `db:"primary_identity_id" json:"primary_identity_id"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// SequenceStep is one templated message in a campaign. DelayDays counts from
// the previous step's send and is 0 for step 1.
type SequenceStep struct {
	ID              int    `db:"id" json:"id"`
	CampaignID      int    `db:"campaign_id" json:"campaign_id"`
	StepNumber      int    `db:"step_number" json:"step_number"`
	DelayDays       int    `db:"delay_days" json:"delay_days"`
	SubjectTemplate string `db:"subject_template" json:"subject_template"`
	BodyTemplate    string `db:"body_template" json:"body_template"`
	Active          bool   `db:"active" json:"active"`
}
