package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/metrics"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
)

// Verifier classifies a mailbox address. The classification is one of the
// model.VerificationStatus names; anything else is treated as Unknown.
type Verifier interface {
	Check(ctx context.Context, address string) (string, error)
}

// VerificationGate checks a lead's address right before its first send of the
// day. Results are cached on the lead for the rest of the local day and
// Undeliverable is final.
type VerificationGate struct {
	Verifier Verifier
	Leads    repository.LeadRepositoryInterface
	DailyCap int
	Location *time.Location
	Logger   *zap.Logger
}

func (g *VerificationGate) loc() *time.Location {
	if g.Location == nil {
		return time.UTC
	}
	return g.Location
}

func (g *VerificationGate) startOfDay(now time.Time) time.Time {
	local := now.In(g.loc())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc())
}

func (g *VerificationGate) verifiedToday(lead *model.Lead, now time.Time) bool {
	if lead.VerifiedAt == nil {
		return false
	}
	return !lead.VerifiedAt.Before(g.startOfDay(now))
}

// Verify never returns an error: anything that prevents a definitive answer
// degrades to Skipped and is retried on a later tick.
func (g *VerificationGate) Verify(ctx context.Context, lead *model.Lead, now time.Time) model.VerificationStatus {
	log := logger.OrNop(g.Logger).With(zap.Int("lead_id", lead.ID))

	if g.verifiedToday(lead, now) {
		status := model.ParseVerificationStatus(lead.VerificationStatus)
		metrics.RecordVerification(string(status), "cache")
		return status
	}

	if model.VerificationStatus(lead.VerificationStatus) == model.VerificationUndeliverable {
		metrics.RecordVerification(string(model.VerificationUndeliverable), "cache")
		return model.VerificationUndeliverable
	}

	if g.Verifier == nil {
		metrics.RecordVerification(string(model.VerificationSkipped), "disabled")
		return model.VerificationSkipped
	}

	used, err := g.Leads.CountVerifiedSince(ctx, g.startOfDay(now))
	if err != nil {
		log.Error("failed to count verifications", zap.Error(err))
		metrics.RecordVerification(string(model.VerificationSkipped), "error")
		return model.VerificationSkipped
	}
	if used >= g.DailyCap {
		log.Info("verification quota exhausted", zap.Int("used", used), zap.Int("daily_cap", g.DailyCap))
		metrics.RecordVerification(string(model.VerificationSkipped), "quota")
		return model.VerificationSkipped
	}

	classification, err := g.Verifier.Check(ctx, lead.Email)
	if err != nil {
		var verr *appErrors.VerificationError
		if errors.As(err, &verr) {
			log.Warn("verifier unavailable", zap.Int("status_code", verr.StatusCode), zap.Error(err))
		} else {
			log.Warn("verifier call failed", zap.Error(err))
		}
		metrics.RecordVerification(string(model.VerificationSkipped), "error")
		return model.VerificationSkipped
	}

	status := model.ParseVerificationStatus(classification)
	if err := g.Leads.RecordVerification(ctx, lead.ID, status, now); err != nil {
		log.Error("failed to store verification result", zap.Error(err))
	} else {
		lead.VerificationStatus = string(status)
		verifiedAt := now
		lead.VerifiedAt = &verifiedAt
	}

	log.Info("verified lead address", zap.String("status", string(status)))
	metrics.RecordVerification(string(status), "remote")
	return status
}

// ShouldSend blocks only confirmed-bad addresses; uncertainty sends anyway.
func ShouldSend(status model.VerificationStatus) bool {
	switch status {
	case model.VerificationUndeliverable, model.VerificationRisky:
		return false
	}
	return true
}
