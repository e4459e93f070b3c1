package service

import (
	"context"
	"time"

	"github.com/unclebandit/outreach-sequencer/internal/repository"
)

// RateLimiter checks an identity's sends in the trailing window against a cap.
// The count always comes from the ledger and is never cached, so callers must
// ask again right before every send.
type RateLimiter struct {
	Ledger repository.DispatchRepositoryInterface
	Window time.Duration
}

func NewRateLimiter(ledger repository.DispatchRepositoryInterface) *RateLimiter {
	return &RateLimiter{Ledger: ledger, Window: time.Hour}
}

// SentInWindow counts records in (now-Window, now].
func (r *RateLimiter) SentInWindow(ctx context.Context, identityID int, now time.Time) (int, error) {
	window := r.Window
	if window <= 0 {
		window = time.Hour
	}
	return r.Ledger.CountSentByIdentity(ctx, identityID, now.Add(-window), now)
}

func (r *RateLimiter) CanSend(ctx context.Context, identityID, limit int, now time.Time) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	n, err := r.SentInWindow(ctx, identityID, now)
	if err != nil {
		return false, err
	}
	return n < limit, nil
}
