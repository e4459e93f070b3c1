// internal/model/lead.go
package model

import "time"

const (
	LeadNew           = "new"
	LeadContacted     = "contacted"
	LeadResponded     = "responded"
	LeadMeetingBooked = "meeting_booked"
	LeadNotInterested = "not_interested"
	LeadUnsubscribed  = "unsubscribed"
	LeadBounced       = "bounced"
	LeadComplained    = "complained"
)

type Lead struct {
	ID                 int        `db:"id" json:"id"`
	Email              string     `db:"email" json:"email"`
	FirstName          string     `db:"first_name" json:"first_name"`
	LastName           string     `db:"last_name" json:"last_name"`
	Company            string     `db:"company" json:"company"`
	Website            string     `db:"website" json:"website"`
	Title              string     `db:"title" json:"title"`
	Industry           string     `db:"industry" json:"industry"`
	PersonalizedOpener string     `db:"personalized_opener" json:"personalized_opener"`
	Status             string     `db:"status" json:"status"`
	VerificationStatus string     `db:"verification_status" json:"verification_status,omitempty"`
	VerifiedAt         *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

func (l *Lead) FullName() string {
	if l.FirstName != "" && l.LastName != "" {
		return l.FirstName + " " + l.LastName
	}
	if l.FirstName != "" {
		return l.FirstName
	}
	if l.LastName != "" {
		return l.LastName
	}
	return l.Email
}

// HasExited reports whether the lead left outreach: replied, booked, opted
// out, or its address hard-bounced or complained.
func (l *Lead) HasExited() bool {
	switch l.Status {
	case LeadResponded, LeadMeetingBooked, LeadNotInterested, LeadUnsubscribed, LeadBounced, LeadComplained:
		return true
	}
	return false
}

const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentStopped   = "stopped"
)

// Enrollment ties one lead to one campaign.
type Enrollment struct {
	ID         int       `db:"id" json:"id"`
	CampaignID int       `db:"campaign_id" json:"campaign_id"`
	LeadID     int       `db:"lead_id" json:"lead_id"`
	Status     string    `db:"status" json:"status"`
	AddedAt    time.Time `db:"added_at" json:"added_at"`
}
