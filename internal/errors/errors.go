package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when a campaign id has no row.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrLeadNotFound struct {
	LeadID int
}

func (e *ErrLeadNotFound) Error() string {
	return fmt.Sprintf("lead with ID %d not found", e.LeadID)
}

func NewLeadNotFound(id int) error {
	return &ErrLeadNotFound{LeadID: id}
}

// TransportError wraps a failed send. The attempt is recorded as failed and
// the step stays unsent, so the next eligible tick retries it.
type TransportError struct {
	IdentityID int
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on identity %d: %v", e.IdentityID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// VerificationError means the verifier could not give an answer
// (unreachable, unauthorized, remote quota). Callers degrade to Skipped.
type VerificationError struct {
	StatusCode int
	Err        error
}

func (e *VerificationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("verifier error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("verifier error: %v", e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// LedgerError is a failed write to the dispatch ledger. It aborts the current
// campaign because continuing would desynchronize sends from the ledger.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

var (
	ErrDuplicateInbound   = errors.New("inbound message already recorded")
	ErrIdentityBusy       = errors.New("lock is held by another worker")
	ErrNoEligibleIdentity = errors.New("no eligible sending identity")
	ErrInvalidStep        = errors.New("invalid sequence step")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNotFound           = errors.New("not found")
)
