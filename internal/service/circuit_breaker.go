package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/metrics"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/queue"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
)

// DeliverabilitySnapshot is the ledger over the breaker's trailing window.
// Rates are percentages of Delivered: every record that left the mailbox,
// whether it is still sent or was bounced since.
type DeliverabilitySnapshot struct {
	Since       time.Time `json:"since"`
	Until       time.Time `json:"until"`
	Delivered   int       `json:"delivered"`
	Sent        int       `json:"sent"`
	Bounced     int       `json:"bounced"`
	Failed      int       `json:"failed"`
	BounceRate  float64   `json:"bounce_rate"`
	FailureRate float64   `json:"failure_rate"`
}

// DeliverabilityBreaker pauses every active campaign when the recent bounce
// or failure rate reaches its threshold. Resuming is always manual.
type DeliverabilityBreaker struct {
	Ledger           repository.DispatchRepositoryInterface
	Campaigns        repository.CampaignRepositoryInterface
	Window           time.Duration
	BounceThreshold  float64
	FailureThreshold float64
	// Inclusive trips when a rate equals its threshold exactly.
	Inclusive bool
	Events    queue.Queue
	Logger    *zap.Logger
}

func (b *DeliverabilityBreaker) Snapshot(ctx context.Context, now time.Time) (*DeliverabilitySnapshot, error) {
	since := now.Add(-b.Window)
	counts, err := b.Ledger.CountByStatus(ctx, since, now)
	if err != nil {
		return nil, err
	}

	snap := &DeliverabilitySnapshot{
		Since:   since,
		Until:   now,
		Sent:    counts[model.DispatchSent],
		Bounced: counts[model.DispatchBounced],
		Failed:  counts[model.DispatchFailed],
	}
	snap.Delivered = snap.Sent + snap.Bounced
	if snap.Delivered > 0 {
		snap.BounceRate = float64(snap.Bounced) * 100 / float64(snap.Delivered)
		snap.FailureRate = float64(snap.Failed) * 100 / float64(snap.Delivered)
	}
	return snap, nil
}

func (b *DeliverabilityBreaker) exceeds(rate, threshold float64) bool {
	if b.Inclusive {
		return rate >= threshold
	}
	return rate > threshold
}

// Tripped applies the thresholds to a snapshot. Nothing delivered means no signal.
func (b *DeliverabilityBreaker) Tripped(snap *DeliverabilitySnapshot) bool {
	if snap.Delivered == 0 {
		return false
	}
	return b.exceeds(snap.BounceRate, b.BounceThreshold) || b.exceeds(snap.FailureRate, b.FailureThreshold)
}

// ShouldPauseAll reads the window and reports whether sending must stop.
func (b *DeliverabilityBreaker) ShouldPauseAll(ctx context.Context, now time.Time) (bool, *DeliverabilitySnapshot, error) {
	snap, err := b.Snapshot(ctx, now)
	if err != nil {
		return false, nil, err
	}
	return b.Tripped(snap), snap, nil
}

// Trip pauses all active campaigns and returns how many were paused. While
// the window stays hot later ticks find nothing active, and those stay quiet.
func (b *DeliverabilityBreaker) Trip(ctx context.Context, snap *DeliverabilitySnapshot) (int, error) {
	log := logger.OrNop(b.Logger)

	paused, err := b.Campaigns.PauseAllActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("pause all campaigns: %w", err)
	}
	if paused == 0 {
		log.Debug("deliverability circuit still open, nothing to pause",
			zap.Float64("bounce_rate", snap.BounceRate),
			zap.Float64("failure_rate", snap.FailureRate),
		)
		return 0, nil
	}

	metrics.RecordCircuitTrip()
	log.Warn("deliverability circuit tripped, campaigns paused",
		zap.String("event", "circuit_trip"),
		zap.Int("paused_campaigns", paused),
		zap.Int("delivered", snap.Delivered),
		zap.Int("sent", snap.Sent),
		zap.Int("bounced", snap.Bounced),
		zap.Int("failed", snap.Failed),
		zap.Float64("bounce_rate", snap.BounceRate),
		zap.Float64("failure_rate", snap.FailureRate),
	)

	queue.PublishEvent(b.Events, queue.TopicCampaignsPaused, queue.CircuitTripEvent{
		EventID:         queue.NewEventID(),
		PausedCampaigns: paused,
		Sent:            snap.Sent,
		Bounced:         snap.Bounced,
		Failed:          snap.Failed,
		BounceRate:      snap.BounceRate,
		FailureRate:     snap.FailureRate,
		At:              snap.Until,
	}, log)

	return paused, nil
}
