package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

// LeadStatusResult reports an operator or recipient status change.
type LeadStatusResult struct {
	LeadID             int    `json:"lead_id"`
	Status             string `json:"status"`
	StoppedEnrollments int    `json:"stopped_enrollments"`
}

// operatorStatuses are the outcomes an operator may record by hand.
var operatorStatuses = map[string]bool{
	model.LeadMeetingBooked: true,
	model.LeadNotInterested: true,
	model.LeadUnsubscribed:  true,
}

// SetLeadStatus records a final outcome for a lead and stops its active
// enrollments in every campaign.
func (s *CampaignService) SetLeadStatus(ctx context.Context, leadID int, status string) (*LeadStatusResult, error) {
	if !operatorStatuses[status] {
		return nil, fmt.Errorf("%w: status must be one of meeting_booked, not_interested, unsubscribed", appErrors.ErrInvalidRequest)
	}
	lead, err := s.LeadRepo.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, fmt.Errorf("%w: lead %d", appErrors.ErrNotFound, leadID)
	}
	return s.retire(ctx, lead, status)
}

// MarkResponse records the outcome of a stored reply against its lead.
func (s *CampaignService) MarkResponse(ctx context.Context, inboundID int, status string) (*LeadStatusResult, error) {
	msg, err := s.InboundRepo.GetByID(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: inbound message %d", appErrors.ErrNotFound, inboundID)
	}
	if msg.LeadID == nil {
		return nil, fmt.Errorf("%w: inbound message %d is not linked to a lead", appErrors.ErrInvalidRequest, inboundID)
	}
	return s.SetLeadStatus(ctx, *msg.LeadID, status)
}

// Unsubscribe honours a one-click link. A token for a lead that no longer
// exists, or whose address changed, is accepted without touching anything.
func (s *CampaignService) Unsubscribe(ctx context.Context, token string, now time.Time) (*LeadStatusResult, error) {
	if s.Tokens == nil || len(s.Tokens.Secret) == 0 {
		return nil, fmt.Errorf("%w: unsubscribe links are not configured", appErrors.ErrInvalidRequest)
	}
	leadID, email, err := s.Tokens.Parse(token, now)
	if err != nil {
		return nil, fmt.Errorf("%w: unsubscribe token: %v", appErrors.ErrInvalidRequest, err)
	}
	lead, err := s.LeadRepo.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead == nil || lead.Email != email {
		s.log().Info("unsubscribe for unknown lead ignored", zap.Int("lead_id", leadID))
		return &LeadStatusResult{LeadID: leadID, Status: model.LeadUnsubscribed}, nil
	}
	return s.retire(ctx, lead, model.LeadUnsubscribed)
}

func (s *CampaignService) retire(ctx context.Context, lead *model.Lead, status string) (*LeadStatusResult, error) {
	if lead.Status != status {
		if err := s.LeadRepo.UpdateStatus(ctx, lead.ID, status); err != nil {
			return nil, err
		}
	}
	stopped, err := s.EnrollmentRepo.StopActiveForLead(ctx, lead.ID)
	if err != nil {
		return nil, err
	}
	s.log().Info("lead status set",
		zap.Int("lead_id", lead.ID),
		zap.String("from", lead.Status),
		zap.String("to", status),
		zap.Int("stopped_enrollments", stopped),
	)
	return &LeadStatusResult{LeadID: lead.ID, Status: status, StoppedEnrollments: stopped}, nil
}
