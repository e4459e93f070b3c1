// internal/model/identity.go
package model

import "time"

// SendingIdentity is a mailbox used to dispatch outbound messages.
type SendingIdentity struct {
	ID         int       `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Email      string    `db:"email" json:"email"`
	SMTPHost   string    `db:"smtp_host" json:"smtp_host"`
	SMTPPort   int       `db:"smtp_port" json:"smtp_port"`
	Username   string    `db:"username" json:"username"`
	Password   string    `db:"password" json:"-"`
	MaxPerHour int       `db:"max_per_hour" json:"max_per_hour"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// HourlySlot is one row of an identity's 24-slot sending schedule.
type HourlySlot struct {
	IdentityID int  `db:"identity_id" json:"identity_id"`
	Hour       int  `db:"hour_of_day" json:"hour_of_day"`
	MaxPerHour int  `db:"max_per_hour" json:"max_per_hour"`
	Active     bool `db:"active" json:"active"`
}
