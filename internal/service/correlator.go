package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/metrics"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/queue"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
)

// MailboxReader returns recent inbound messages for one identity, already
// normalized.
type MailboxReader interface {
	FetchRecent(ctx context.Context, identity *model.SendingIdentity, sinceDays int) ([]model.IncomingMessage, error)
}

const (
	OutcomeDuplicate       = "duplicate"
	OutcomeReply           = "reply"
	OutcomeReplyUnlinked   = "reply_unlinked"
	OutcomeBounce          = "bounce"
	OutcomeBounceUnmatched = "bounce_unmatched"
)

const (
	LabelOutOfOffice  = "out_of_office"
	LabelUnsubscribe  = "unsubscribe"
	LabelWrongContact = "wrong_contact"
)

// CorrelationResult describes what one inbound message changed.
type CorrelationResult struct {
	Outcome            string                `json:"outcome"`
	Inbound            *model.InboundMessage `json:"inbound,omitempty"`
	LeadID             int                   `json:"lead_id,omitempty"`
	DispatchRecordID   int                   `json:"dispatch_record_id,omitempty"`
	StoppedEnrollments int                   `json:"stopped_enrollments"`
}

// Correlator matches inbound messages to the outbound history and feeds the
// result back: replies stop the lead's sequences, bounces mark the ledger.
type Correlator struct {
	Identities  repository.IdentityRepositoryInterface
	Leads       repository.LeadRepositoryInterface
	Enrollments repository.EnrollmentRepositoryInterface
	Ledger      repository.DispatchRepositoryInterface
	Inbound     repository.InboundRepositoryInterface
	Classifier  BounceClassifier
	Reader      MailboxReader
	Events      queue.Queue

	PollTimeout time.Duration
	SinceDays   int
	Logger      *zap.Logger
}

var addressPattern = regexp.MustCompile(`[\w.+-]+@[\w.-]+\.\w+`)

// ExtractAddress returns the first address in a From header, lowercased.
func ExtractAddress(from string) string {
	if m := addressPattern.FindString(from); m != "" {
		return strings.ToLower(m)
	}
	return strings.ToLower(strings.TrimSpace(from))
}

func NormalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// syntheticMessageID derives a stable id for messages that arrive without
// one, so reprocessing the same message is still a no-op.
func syntheticMessageID(msg model.IncomingMessage) string {
	key := strings.Join([]string{
		msg.From,
		msg.Subject,
		msg.ReceivedAt.UTC().Format(time.RFC3339Nano),
		msg.Body,
	}, "\n")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String() + "@inbound.local"
}

// LabelResponse tags common reply types by keyword.
func LabelResponse(subject, body string) string {
	subject = strings.ToLower(subject)
	body = strings.ToLower(body)

	switch {
	case strings.Contains(subject, "out of office") || strings.Contains(body, "out of office"):
		return LabelOutOfOffice
	case strings.Contains(body, "unsubscribe") || strings.Contains(body, "remove me") || strings.Contains(body, "opt out"):
		return LabelUnsubscribe
	case strings.Contains(body, "wrong person") || strings.Contains(body, "not the right person"):
		return LabelWrongContact
	}
	return ""
}

// Correlate processes one message received on identityID. Submitting the
// same message id twice changes nothing the second time.
func (c *Correlator) Correlate(ctx context.Context, identityID int, msg model.IncomingMessage) (*CorrelationResult, error) {
	msg.MessageID = NormalizeMessageID(msg.MessageID)
	if msg.MessageID == "" {
		msg.MessageID = syntheticMessageID(msg)
	}
	msg.InReplyTo = NormalizeMessageID(msg.InReplyTo)
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	exists, err := c.Inbound.ExistsByMessageID(ctx, msg.MessageID)
	if err != nil {
		return nil, err
	}
	if exists {
		metrics.RecordInbound(OutcomeDuplicate)
		return &CorrelationResult{Outcome: OutcomeDuplicate}, nil
	}

	record, err := c.matchRecord(ctx, msg)
	if err != nil {
		return nil, err
	}

	verdict, err := c.classifier().Classify(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	var result *CorrelationResult
	if verdict.IsBounce {
		result, err = c.handleBounce(ctx, identityID, msg, record, verdict)
	} else {
		result, err = c.handleReply(ctx, identityID, msg, record)
	}
	if err != nil {
		if errors.Is(err, appErrors.ErrDuplicateInbound) {
			metrics.RecordInbound(OutcomeDuplicate)
			return &CorrelationResult{Outcome: OutcomeDuplicate}, nil
		}
		return nil, err
	}

	metrics.RecordInbound(result.Outcome)
	c.publish(result)
	return result, nil
}

func (c *Correlator) classifier() BounceClassifier {
	if c.Classifier == nil {
		return &HeuristicClassifier{}
	}
	return c.Classifier
}

// matchRecord tries In-Reply-To first, then each References token.
func (c *Correlator) matchRecord(ctx context.Context, msg model.IncomingMessage) (*model.DispatchRecord, error) {
	if msg.InReplyTo != "" {
		rec, err := c.Ledger.FindByMessageID(ctx, msg.InReplyTo)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	for _, ref := range strings.Fields(msg.References) {
		rec, err := c.Ledger.FindByMessageID(ctx, NormalizeMessageID(ref))
		if err != nil || rec != nil {
			return rec, err
		}
	}
	return nil, nil
}

func (c *Correlator) handleReply(ctx context.Context, identityID int, msg model.IncomingMessage, record *model.DispatchRecord) (*CorrelationResult, error) {
	log := logger.OrNop(c.Logger).With(zap.String("message_id", msg.MessageID))

	var lead *model.Lead
	var err error
	if record != nil {
		lead, err = c.Leads.GetByID(ctx, record.LeadID)
		if err != nil {
			return nil, err
		}
	}
	if lead == nil {
		lead, err = c.Leads.FindByEmail(ctx, ExtractAddress(msg.From))
		if err != nil {
			return nil, err
		}
	}

	label := LabelResponse(msg.Subject, msg.Body)
	stored := inboundFrom(identityID, msg, model.InboundReply)
	stored.Label = label
	if record != nil {
		stored.DispatchRecordID = intPtr(record.ID)
	}

	if lead == nil {
		if err := c.Inbound.Create(ctx, stored); err != nil {
			return nil, err
		}
		log.Warn("reply matched no lead, stored for triage", zap.String("from", msg.From))
		return &CorrelationResult{Outcome: OutcomeReplyUnlinked, Inbound: stored}, nil
	}

	switch {
	case label == LabelUnsubscribe && lead.Status != model.LeadMeetingBooked:
		err = c.setLeadStatus(ctx, lead, model.LeadNotInterested)
	case lead.Status != model.LeadMeetingBooked:
		err = c.setLeadStatus(ctx, lead, model.LeadResponded)
	}
	if err != nil {
		return nil, err
	}

	stopped, err := c.Enrollments.StopActiveForLead(ctx, lead.ID)
	if err != nil {
		return nil, err
	}

	stored.LeadID = intPtr(lead.ID)
	if err := c.Inbound.Create(ctx, stored); err != nil {
		return nil, err
	}

	log.Info("recorded reply",
		zap.Int("lead_id", lead.ID),
		zap.String("label", label),
		zap.Int("stopped_enrollments", stopped),
	)

	result := &CorrelationResult{
		Outcome:            OutcomeReply,
		Inbound:            stored,
		LeadID:             lead.ID,
		StoppedEnrollments: stopped,
	}
	if record != nil {
		result.DispatchRecordID = record.ID
	}
	return result, nil
}

func (c *Correlator) handleBounce(ctx context.Context, identityID int, msg model.IncomingMessage, record *model.DispatchRecord, verdict BounceVerdict) (*CorrelationResult, error) {
	log := logger.OrNop(c.Logger).With(zap.String("message_id", msg.MessageID))

	// Bounce notices often drop the threading headers; fall back to the
	// recipient named in the DSN body.
	if record == nil && verdict.Recipient != "" {
		lead, err := c.Leads.FindByEmail(ctx, verdict.Recipient)
		if err != nil {
			return nil, err
		}
		if lead != nil {
			record, err = c.Ledger.LastSentToLead(ctx, lead.ID)
			if err != nil {
				return nil, err
			}
		}
	}

	stored := inboundFrom(identityID, msg, model.InboundBounce)
	stored.BounceType = string(verdict.Type)
	result := &CorrelationResult{Outcome: OutcomeBounceUnmatched, Inbound: stored}

	if record != nil {
		reason := verdict.Reason
		if reason == "" {
			reason = "bounce detected from inbox"
		}
		if err := c.Ledger.MarkBounced(ctx, record.ID, reason); err != nil {
			return nil, &appErrors.LedgerError{Op: "mark bounced", Err: err}
		}

		result.Outcome = OutcomeBounce
		result.LeadID = record.LeadID
		result.DispatchRecordID = record.ID
		stored.LeadID = intPtr(record.LeadID)
		stored.DispatchRecordID = intPtr(record.ID)

		if verdict.Type.StopsLead() {
			if err := c.retireLead(ctx, record.LeadID, verdict.Type.LeadStatus()); err != nil {
				return nil, err
			}
			stopped, err := c.Enrollments.StopActiveForLead(ctx, record.LeadID)
			if err != nil {
				return nil, err
			}
			result.StoppedEnrollments = stopped
		}
	}

	if err := c.Inbound.Create(ctx, stored); err != nil {
		return nil, err
	}

	log.Warn("bounce received",
		zap.String("outcome", result.Outcome),
		zap.String("bounce_type", string(verdict.Type)),
		zap.Int("lead_id", result.LeadID),
		zap.Int("dispatch_record_id", result.DispatchRecordID),
	)
	return result, nil
}

// retireLead marks a bounced or complaining lead so it is never enrolled or
// mailed again. A booked meeting outranks the bounce.
func (c *Correlator) retireLead(ctx context.Context, leadID int, status string) error {
	lead, err := c.Leads.GetByID(ctx, leadID)
	if err != nil {
		return err
	}
	if lead == nil || lead.Status == model.LeadMeetingBooked {
		return nil
	}
	return c.setLeadStatus(ctx, lead, status)
}

func (c *Correlator) setLeadStatus(ctx context.Context, lead *model.Lead, status string) error {
	if lead.Status == status {
		return nil
	}
	if err := c.Leads.UpdateStatus(ctx, lead.ID, status); err != nil {
		return err
	}
	lead.Status = status
	return nil
}

func (c *Correlator) publish(result *CorrelationResult) {
	if result.Inbound == nil {
		return
	}
	topic := queue.TopicInboundReply
	if result.Inbound.Kind == model.InboundBounce {
		topic = queue.TopicInboundBounce
	}
	queue.PublishEvent(c.Events, topic, queue.InboundEvent{
		EventID:            queue.NewEventID(),
		InboundID:          result.Inbound.ID,
		MessageID:          result.Inbound.MessageID,
		LeadID:             result.LeadID,
		DispatchRecordID:   result.DispatchRecordID,
		Kind:               result.Inbound.Kind,
		Label:              result.Inbound.Label,
		BounceType:         result.Inbound.BounceType,
		StoppedEnrollments: result.StoppedEnrollments,
		At:                 result.Inbound.ReceivedAt,
	}, logger.OrNop(c.Logger))
}

// Poll fetches every active identity's mailbox and correlates what it finds.
// It returns the number of replies linked to a lead. One identity failing
// does not stop the others.
func (c *Correlator) Poll(ctx context.Context) (int, error) {
	log := logger.OrNop(c.Logger)
	start := time.Now()
	defer func() { metrics.RecordTick("responses", time.Since(start)) }()

	identities, err := c.Identities.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active identities: %w", err)
	}

	replies := 0
	for _, identity := range identities {
		pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout())
		messages, err := c.Reader.FetchRecent(pollCtx, identity, c.SinceDays)
		cancel()
		if err != nil {
			log.Error("failed to fetch mailbox",
				zap.Int("identity_id", identity.ID),
				zap.String("identity", identity.Email),
				zap.Error(err),
			)
			continue
		}

		for _, msg := range messages {
			result, err := c.Correlate(ctx, identity.ID, msg)
			if err != nil {
				log.Error("failed to correlate inbound message",
					zap.Int("identity_id", identity.ID),
					zap.String("message_id", msg.MessageID),
					zap.Error(err),
				)
				continue
			}
			if result.Outcome == OutcomeReply {
				replies++
			}
		}
	}
	return replies, nil
}

func (c *Correlator) pollTimeout() time.Duration {
	if c.PollTimeout <= 0 {
		return 30 * time.Second
	}
	return c.PollTimeout
}

func inboundFrom(identityID int, msg model.IncomingMessage, kind string) *model.InboundMessage {
	return &model.InboundMessage{
		IdentityID:  identityID,
		MessageID:   msg.MessageID,
		InReplyTo:   msg.InReplyTo,
		References:  msg.References,
		FromAddress: msg.From,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Kind:        kind,
		ReceivedAt:  msg.ReceivedAt,
	}
}

func intPtr(v int) *int { return &v }
