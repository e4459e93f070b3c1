// internal/model/verification.go
package model

type VerificationStatus string

const (
	VerificationDeliverable   VerificationStatus = "Deliverable"
	VerificationUndeliverable VerificationStatus = "Undeliverable"
	VerificationRisky         VerificationStatus = "Risky"
	VerificationUnknown       VerificationStatus = "Unknown"
	VerificationSkipped       VerificationStatus = "Skipped"
)

// ParseVerificationStatus maps a verifier classification to a known status.
// Anything unrecognised is Unknown.
func ParseVerificationStatus(s string) VerificationStatus {
	switch VerificationStatus(s) {
	case VerificationDeliverable, VerificationUndeliverable, VerificationRisky, VerificationSkipped:
		return VerificationStatus(s)
	}
	return VerificationUnknown
}
