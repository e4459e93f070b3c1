package service

import (
	"context"
	"time"

	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
)

const day = 24 * time.Hour

// NextStep returns the lowest-numbered step that has no sent record, or nil
// when the sequence is finished. steps must be ordered by step number.
func NextStep(steps []*model.SequenceStep, sent []*model.DispatchRecord) *model.SequenceStep {
	done := make(map[int]bool, len(sent))
	for _, rec := range sent {
		done[rec.StepNumber] = true
	}
	for _, step := range steps {
		if !done[step.StepNumber] {
			return step
		}
	}
	return nil
}

// IsDue reports whether step may go out at now. Step 1 is always due. Later
// steps wait DelayDays after lastSent, and are never due without a prior send.
func IsDue(step *model.SequenceStep, lastSent *time.Time, now time.Time) bool {
	if step.StepNumber == 1 {
		return true
	}
	if lastSent == nil {
		return false
	}
	return !now.Before(lastSent.Add(time.Duration(step.DelayDays) * day))
}

// Progress is where one enrollment stands, derived from the ledger.
type Progress struct {
	Next       *model.SequenceStep
	LastSentAt *time.Time
	SentSteps  []int
}

// SequenceTracker reads an enrollment's sent history to find its next step.
type SequenceTracker struct {
	Ledger repository.DispatchRepositoryInterface
}

func (t *SequenceTracker) Progress(ctx context.Context, steps []*model.SequenceStep, leadID, campaignID int) (*Progress, error) {
	sent, err := t.Ledger.ListSentForEnrollment(ctx, leadID, campaignID)
	if err != nil {
		return nil, err
	}

	p := &Progress{Next: NextStep(steps, sent)}
	for _, rec := range sent {
		p.SentSteps = append(p.SentSteps, rec.StepNumber)
	}
	if len(sent) > 0 {
		last := sent[len(sent)-1].SentAt
		p.LastSentAt = &last
	}
	return p, nil
}

// IsDue applies the package-level IsDue to this progress.
func (p *Progress) IsDue(now time.Time) bool {
	if p.Next == nil {
		return false
	}
	return IsDue(p.Next, p.LastSentAt, now)
}
