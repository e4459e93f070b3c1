package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/lock"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/metrics"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/queue"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
)

// OutboundEmail is one message handed to the transport. InReplyTo and
// References thread follow-ups onto the earlier steps.
type OutboundEmail struct {
	To         string
	Subject    string
	Body       string
	Bcc        []string
	InReplyTo  string
	References string

	// ListUnsubscribe is the one-click opt-out URL, empty when disabled.
	ListUnsubscribe string
}

// MailTransport delivers a message from identity and returns the globally
// unique message id it was sent with.
type MailTransport interface {
	Send(ctx context.Context, identity *model.SendingIdentity, msg OutboundEmail) (messageID string, err error)
}

// Dispatcher runs the send tick: breaker first, then every active enrollment
// of every active campaign, in id order.
type Dispatcher struct {
	Campaigns   repository.CampaignRepositoryInterface
	Leads       repository.LeadRepositoryInterface
	Enrollments repository.EnrollmentRepositoryInterface
	Ledger      repository.DispatchRepositoryInterface

	Breaker   *DeliverabilityBreaker
	Selector  *IdentitySelector
	Limiter   *RateLimiter
	Sequence  *SequenceTracker
	Gate      *VerificationGate
	Transport MailTransport
	Locker    lock.Locker
	Events    queue.Queue
	Tokens    *UnsubscribeTokens

	SendTimeout time.Duration
	Logger      *zap.Logger

	mu sync.Mutex
}

// RunTick returns the number of messages sent successfully. An error means
// the breaker could not read the ledger and nothing was sent.
func (d *Dispatcher) RunTick(ctx context.Context, now time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	log := logger.OrNop(d.Logger)
	start := time.Now()
	defer func() { metrics.RecordTick("dispatch", time.Since(start)) }()

	trip, snap, err := d.Breaker.ShouldPauseAll(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("deliverability check: %w", err)
	}
	if trip {
		if _, err := d.Breaker.Trip(ctx, snap); err != nil {
			return 0, err
		}
		return 0, nil
	}

	campaigns, err := d.Campaigns.ListByStatus(ctx, model.CampaignActive)
	if err != nil {
		return 0, fmt.Errorf("list active campaigns: %w", err)
	}

	sent := 0
	for _, campaign := range campaigns {
		n, err := d.runCampaign(ctx, campaign, now)
		sent += n
		if err != nil {
			log.Error("campaign aborted for this tick",
				zap.Int("campaign_id", campaign.ID),
				zap.Error(err),
			)
		}
	}

	log.Info("dispatch tick finished",
		zap.Int("campaigns", len(campaigns)),
		zap.Int("sent", sent),
		zap.Duration("took", time.Since(start)),
	)
	return sent, nil
}

// runCampaign stops early only on a LedgerError or when the campaign itself
// cannot be read.
func (d *Dispatcher) runCampaign(ctx context.Context, campaign *model.Campaign, now time.Time) (int, error) {
	log := logger.OrNop(d.Logger).With(zap.Int("campaign_id", campaign.ID))

	steps, err := d.Campaigns.Steps(ctx, campaign.ID)
	if err != nil {
		return 0, err
	}
	if len(steps) == 0 {
		log.Debug("campaign has no active steps")
		return 0, nil
	}

	enrollments, err := d.Enrollments.ListActiveByCampaign(ctx, campaign.ID)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, enrollment := range enrollments {
		ok, err := d.processEnrollment(ctx, campaign, steps, enrollment, now)
		if err != nil {
			var ledgerErr *appErrors.LedgerError
			if errors.As(err, &ledgerErr) {
				return sent, err
			}
			log.Error("failed to process lead",
				zap.Int("lead_id", enrollment.LeadID),
				zap.Int("enrollment_id", enrollment.ID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// processEnrollment reports whether a message went out. A panic is turned
// into an error so one bad lead cannot take down the tick.
func (d *Dispatcher) processEnrollment(ctx context.Context, campaign *model.Campaign, steps []*model.SequenceStep, enrollment *model.Enrollment, now time.Time) (sent bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
			err = fmt.Errorf("panic processing lead %d: %v", enrollment.LeadID, r)
		}
	}()

	log := logger.OrNop(d.Logger).With(
		zap.Int("campaign_id", campaign.ID),
		zap.Int("lead_id", enrollment.LeadID),
	)

	// Another scheduler may be working this enrollment. Everything below is
	// read after the lock so a step it just sent is seen as sent.
	unlock, err := d.Locker.Lock(ctx, lock.EnrollmentKey(enrollment.ID))
	if err != nil {
		if errors.Is(err, appErrors.ErrIdentityBusy) {
			log.Debug("enrollment busy, retrying next tick")
			return false, nil
		}
		return false, err
	}
	defer unlock()

	current, err := d.Enrollments.GetByID(ctx, enrollment.ID)
	if err != nil {
		return false, err
	}
	if current == nil || current.Status != model.EnrollmentActive {
		return false, nil
	}

	lead, err := d.Leads.GetByID(ctx, enrollment.LeadID)
	if err != nil {
		return false, err
	}
	if lead == nil {
		return false, appErrors.NewLeadNotFound(enrollment.LeadID)
	}
	if lead.HasExited() {
		return false, nil
	}

	progress, err := d.Sequence.Progress(ctx, steps, lead.ID, campaign.ID)
	if err != nil {
		return false, err
	}
	if progress.Next == nil {
		if err := d.Enrollments.UpdateStatus(ctx, enrollment.ID, model.EnrollmentCompleted); err != nil {
			return false, err
		}
		log.Info("sequence completed")
		return false, nil
	}
	if !progress.IsDue(now) {
		return false, nil
	}

	selection, err := d.Selector.SelectIdentity(ctx, campaign, now)
	if err != nil {
		return false, err
	}
	if selection == nil {
		log.Debug("no eligible identity", zap.Error(appErrors.ErrNoEligibleIdentity))
		return false, nil
	}

	verdict := d.Gate.Verify(ctx, lead, now)
	if !ShouldSend(verdict) {
		if err := d.Enrollments.UpdateStatus(ctx, enrollment.ID, model.EnrollmentStopped); err != nil {
			return false, err
		}
		log.Warn("skipping lead after verification",
			zap.String("email", lead.Email),
			zap.String("verification", string(verdict)),
		)
		return false, nil
	}

	return d.send(ctx, campaign, progress, lead, selection, now)
}

// send holds the identity lock across the final cap check, the transport
// call and the ledger append, so the next holder sees this record. The
// caller already holds the enrollment lock.
func (d *Dispatcher) send(ctx context.Context, campaign *model.Campaign, progress *Progress, lead *model.Lead, selection *Selection, now time.Time) (bool, error) {
	identity := selection.Identity
	step := progress.Next
	log := logger.OrNop(d.Logger).With(
		zap.Int("campaign_id", campaign.ID),
		zap.Int("lead_id", lead.ID),
		zap.Int("identity_id", identity.ID),
		zap.Int("step", step.StepNumber),
	)

	unlock, err := d.Locker.Lock(ctx, lock.IdentityKey(identity.ID))
	if err != nil {
		if errors.Is(err, appErrors.ErrIdentityBusy) {
			log.Debug("identity busy, retrying next tick")
			return false, nil
		}
		return false, err
	}
	defer unlock()

	ok, err := d.Limiter.CanSend(ctx, identity.ID, selection.MaxPerHour, now)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	rendered := RenderStep(step, lead)
	msg := OutboundEmail{
		To:      lead.Email,
		Subject: rendered.Subject,
		Body:    rendered.Body,
	}
	if err := d.thread(ctx, &msg, lead.ID, campaign.ID); err != nil {
		return false, err
	}
	if msg.ListUnsubscribe, err = d.Tokens.Link(lead, now); err != nil {
		return false, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout())
	messageID, sendErr := d.Transport.Send(sendCtx, identity, msg)
	cancel()

	rec := &model.DispatchRecord{
		LeadID:     lead.ID,
		CampaignID: campaign.ID,
		StepID:     step.ID,
		StepNumber: step.StepNumber,
		IdentityID: identity.ID,
		Subject:    rendered.Subject,
		Body:       rendered.Body,
		SentAt:     now,
	}
	if sendErr != nil {
		sendErr = &appErrors.TransportError{IdentityID: identity.ID, Err: sendErr}
		rec.Status = model.DispatchFailed
		rec.LastError = sendErr.Error()
	} else {
		rec.Status = model.DispatchSent
		rec.MessageID = messageID
	}

	if err := d.Ledger.Append(ctx, rec); err != nil {
		return false, &appErrors.LedgerError{Op: "append", Err: err}
	}
	metrics.RecordDispatch(rec.Status)

	event := queue.DispatchEvent{
		EventID:    queue.NewEventID(),
		RecordID:   rec.ID,
		CampaignID: campaign.ID,
		LeadID:     lead.ID,
		StepNumber: step.StepNumber,
		IdentityID: identity.ID,
		MessageID:  rec.MessageID,
		Error:      rec.LastError,
		At:         now,
	}

	if sendErr != nil {
		log.Error("send failed", zap.String("email", lead.Email), zap.Error(sendErr))
		queue.PublishEvent(d.Events, queue.TopicDispatchFailed, event, log)
		return false, nil
	}

	if lead.Status == model.LeadNew {
		if err := d.Leads.UpdateStatus(ctx, lead.ID, model.LeadContacted); err != nil {
			log.Error("failed to mark lead contacted", zap.Error(err))
		}
	}

	log.Info("sent sequence email",
		zap.String("email", lead.Email),
		zap.String("identity", identity.Email),
		zap.String("message_id", messageID),
	)
	queue.PublishEvent(d.Events, queue.TopicDispatchSent, event, log)
	return true, nil
}

// thread points a follow-up at the earlier messages of the same enrollment.
func (d *Dispatcher) thread(ctx context.Context, msg *OutboundEmail, leadID, campaignID int) error {
	prior, err := d.Ledger.ListSentForEnrollment(ctx, leadID, campaignID)
	if err != nil {
		return err
	}

	refs := make([]string, 0, len(prior))
	for _, rec := range prior {
		if rec.MessageID != "" {
			refs = append(refs, "<"+rec.MessageID+">")
		}
	}
	if len(refs) == 0 {
		return nil
	}
	msg.InReplyTo = refs[len(refs)-1]
	msg.References = strings.Join(refs, " ")
	return nil
}

func (d *Dispatcher) sendTimeout() time.Duration {
	if d.SendTimeout <= 0 {
		return 30 * time.Second
	}
	return d.SendTimeout
}
