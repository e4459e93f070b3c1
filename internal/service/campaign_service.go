// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
)

// CampaignService holds the operator actions around campaigns, enrollments
// and identities. The scheduling itself lives in Dispatcher.
type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	IdentityRepo   repository.IdentityRepositoryInterface
	LeadRepo       repository.LeadRepositoryInterface
	EnrollmentRepo repository.EnrollmentRepositoryInterface
	DispatchRepo   repository.DispatchRepositoryInterface
	InboundRepo    repository.InboundRepositoryInterface
	Tokens         *UnsubscribeTokens
	Breaker        *DeliverabilityBreaker
	Limiter        *RateLimiter
	Logger         *zap.Logger
}

// Result struct for EnrollLeads
type EnrollResult struct {
	CampaignID    int   `json:"campaign_id"`
	Enrolled      int   `json:"enrolled"`
	EnrollmentIDs []int `json:"enrollment_ids"`
	Skipped       []int `json:"skipped_lead_ids"`
}

type CampaignDetails struct {
	ID                int                   `json:"id"`
	Name              string                `json:"name"`
	Status            string                `json:"status"`
	PrimaryIdentityID int                   `json:"primary_identity_id"`
	RotationPool      []int                 `json:"rotation_pool"`
	Steps             []*model.SequenceStep `json:"steps"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         *time.Time            `json:"updated_at"`
	Stats             map[string]int        `json:"stats"`
	Enrollments       map[string]int        `json:"enrollments"`
}

type IdentityReport struct {
	ID           int    `json:"id"`
	Email        string `json:"email"`
	Active       bool   `json:"active"`
	MaxPerHour   int    `json:"max_per_hour"`
	SentLastHour int    `json:"sent_last_hour"`
	Sent7d       int    `json:"sent_7d"`
	Failed7d     int    `json:"failed_7d"`
	Bounced7d    int    `json:"bounced_7d"`
}

type DeliverabilityReport struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Window      *DeliverabilitySnapshot `json:"window"`
	Tripped     bool                    `json:"tripped"`
	Identities  []IdentityReport        `json:"identities"`
}

func (s *CampaignService) log() *zap.Logger {
	return logger.OrNop(s.Logger)
}

func (s *CampaignService) CreateCampaign(ctx context.Context, name string, primaryIdentityID int) (*model.Campaign, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: campaign name cannot be empty", appErrors.ErrInvalidRequest)
	}
	identity, err := s.IdentityRepo.GetByID(ctx, primaryIdentityID)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: sending identity %d", appErrors.ErrNotFound, primaryIdentityID)
	}

	c := &model.Campaign{
		Name:              name,
		Status:            model.CampaignDraft,
		PrimaryIdentityID: primaryIdentityID,
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddStep appends a templated step. Step 1 never waits.
func (s *CampaignService) AddStep(ctx context.Context, campaignID, stepNumber, delayDays int, subject, body string) (*model.SequenceStep, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	if stepNumber < 1 {
		return nil, fmt.Errorf("%w: step number must be at least 1", appErrors.ErrInvalidStep)
	}
	if delayDays < 0 {
		return nil, fmt.Errorf("%w: delay cannot be negative", appErrors.ErrInvalidStep)
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: template cannot be empty", appErrors.ErrInvalidStep)
	}
	if stepNumber == 1 {
		delayDays = 0
	}

	step := &model.SequenceStep{
		CampaignID:      campaignID,
		StepNumber:      stepNumber,
		DelayDays:       delayDays,
		SubjectTemplate: subject,
		BodyTemplate:    body,
		Active:          true,
	}
	if err := s.CampaignRepo.AddStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// SetRotationPool replaces the pool. The primary identity is always part of it.
func (s *CampaignService) SetRotationPool(ctx context.Context, campaignID int, identityIDs []int) ([]int, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	ids := []int{campaign.PrimaryIdentityID}
	seen := map[int]bool{campaign.PrimaryIdentityID: true}
	for _, id := range identityIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	found, err := s.IdentityRepo.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	known := make(map[int]bool, len(found))
	for _, identity := range found {
		known[identity.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			return nil, fmt.Errorf("%w: sending identity %d", appErrors.ErrNotFound, id)
		}
	}

	if err := s.CampaignRepo.ReplaceRotationPool(ctx, campaignID, ids); err != nil {
		return nil, err
	}
	return s.CampaignRepo.RotationPool(ctx, campaignID)
}

// Activate starts or resumes a campaign. This is also the only way back from
// a breaker pause.
func (s *CampaignService) Activate(ctx context.Context, campaignID int) error {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != model.CampaignDraft && campaign.Status != model.CampaignPaused {
		return fmt.Errorf("%w: campaign cannot be activated in status: %s", appErrors.ErrInvalidTransition, campaign.Status)
	}
	steps, err := s.CampaignRepo.Steps(ctx, campaignID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return fmt.Errorf("%w: campaign %d has no active steps", appErrors.ErrInvalidTransition, campaignID)
	}
	return s.CampaignRepo.UpdateStatus(ctx, campaignID, model.CampaignActive)
}

func (s *CampaignService) Pause(ctx context.Context, campaignID int) error {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != model.CampaignActive {
		return fmt.Errorf("%w: campaign cannot be paused in status: %s", appErrors.ErrInvalidTransition, campaign.Status)
	}
	return s.CampaignRepo.UpdateStatus(ctx, campaignID, model.CampaignPaused)
}

func (s *CampaignService) PauseAll(ctx context.Context) (int, error) {
	n, err := s.CampaignRepo.PauseAllActive(ctx)
	if err == nil {
		s.log().Info("paused all campaigns", zap.Int("count", n))
	}
	return n, err
}

func (s *CampaignService) ResumeAll(ctx context.Context) (int, error) {
	n, err := s.CampaignRepo.ResumeAllPaused(ctx)
	if err == nil {
		s.log().Info("resumed all paused campaigns", zap.Int("count", n))
	}
	return n, err
}

// EnrollLeads is idempotent per lead and campaign. Unknown or exited leads
// are skipped and reported.
func (s *CampaignService) EnrollLeads(ctx context.Context, campaignID int, leadIDs []int) (*EnrollResult, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}

	result := &EnrollResult{
		CampaignID:    campaignID,
		EnrollmentIDs: []int{},
		Skipped:       []int{},
	}

	for _, leadID := range leadIDs {
		lead, err := s.LeadRepo.GetByID(ctx, leadID)
		if err != nil {
			s.log().Warn("failed to load lead", zap.Int("lead_id", leadID), zap.Error(err))
			result.Skipped = append(result.Skipped, leadID)
			continue
		}
		if lead == nil || lead.HasExited() {
			result.Skipped = append(result.Skipped, leadID)
			continue
		}

		enrollment, err := s.EnrollmentRepo.Enroll(ctx, campaignID, leadID)
		if err != nil {
			s.log().Warn("failed to enroll lead", zap.Int("lead_id", leadID), zap.Error(err))
			result.Skipped = append(result.Skipped, leadID)
			continue
		}

		result.EnrollmentIDs = append(result.EnrollmentIDs, enrollment.ID)
		result.Enrolled++
	}
	return result, nil
}

// StopEnrollment is the manual stop. It is a no-op on finished enrollments.
func (s *CampaignService) StopEnrollment(ctx context.Context, enrollmentID int) error {
	enrollment, err := s.EnrollmentRepo.GetByID(ctx, enrollmentID)
	if err != nil {
		return err
	}
	if enrollment == nil {
		return fmt.Errorf("%w: enrollment %d", appErrors.ErrNotFound, enrollmentID)
	}
	if enrollment.Status != model.EnrollmentActive {
		return nil
	}
	return s.EnrollmentRepo.UpdateStatus(ctx, enrollmentID, model.EnrollmentStopped)
}

// SetIdentityWindow stores a 24-row schedule open from start (inclusive) to
// end (exclusive). maxPerHour 0 keeps the identity default.
func (s *CampaignService) SetIdentityWindow(ctx context.Context, identityID, start, end, maxPerHour int) error {
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return fmt.Errorf("%w: hours must be between 0 and 23", appErrors.ErrInvalidRequest)
	}
	if maxPerHour < 0 {
		return fmt.Errorf("%w: max per hour cannot be negative", appErrors.ErrInvalidRequest)
	}
	identity, err := s.IdentityRepo.GetByID(ctx, identityID)
	if err != nil {
		return err
	}
	if identity == nil {
		return fmt.Errorf("%w: sending identity %d", appErrors.ErrNotFound, identityID)
	}
	return s.IdentityRepo.ReplaceSchedule(ctx, identityID, ScheduleFromWindow(identityID, start, end, maxPerHour))
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	steps, err := s.CampaignRepo.Steps(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	pool, err := s.CampaignRepo.RotationPool(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	stats, err := s.DispatchRepo.CampaignStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	stats["total"] = total

	enrollments, err := s.EnrollmentRepo.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	return &CampaignDetails{
		ID:                campaign.ID,
		Name:              campaign.Name,
		Status:            campaign.Status,
		PrimaryIdentityID: campaign.PrimaryIdentityID,
		RotationPool:      pool,
		Steps:             steps,
		CreatedAt:         campaign.CreatedAt,
		UpdatedAt:         campaign.UpdatedAt,
		Stats:             stats,
		Enrollments:       enrollments,
	}, nil
}

// DeliverabilityReport summarizes every identity over the last 7 days plus
// the breaker's current window.
func (s *CampaignService) DeliverabilityReport(ctx context.Context, now time.Time) (*DeliverabilityReport, error) {
	report := &DeliverabilityReport{GeneratedAt: now, Identities: []IdentityReport{}}

	if s.Breaker != nil {
		snap, err := s.Breaker.Snapshot(ctx, now)
		if err != nil {
			return nil, err
		}
		report.Window = snap
		report.Tripped = s.Breaker.Tripped(snap)
	}

	identities, err := s.IdentityRepo.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	weekAgo := now.Add(-7 * day)
	for _, identity := range identities {
		stats, err := s.DispatchRepo.IdentityStats(ctx, identity.ID, weekAgo, now)
		if err != nil {
			return nil, err
		}
		row := IdentityReport{
			ID:         identity.ID,
			Email:      identity.Email,
			Active:     identity.Active,
			MaxPerHour: identity.MaxPerHour,
			Sent7d:     stats[model.DispatchSent],
			Failed7d:   stats[model.DispatchFailed],
			Bounced7d:  stats[model.DispatchBounced],
		}
		if s.Limiter != nil {
			if row.SentLastHour, err = s.Limiter.SentInWindow(ctx, identity.ID, now); err != nil {
				return nil, err
			}
		}
		report.Identities = append(report.Identities, row)
	}
	return report, nil
}

// PreviewStep renders one step for one lead without sending anything.
func (s *CampaignService) PreviewStep(ctx context.Context, campaignID, stepNumber, leadID int) (*RenderedStep, error) {
	steps, err := s.CampaignRepo.Steps(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	var step *model.SequenceStep
	for _, st := range steps {
		if st.StepNumber == stepNumber {
			step = st
			break
		}
	}
	if step == nil {
		return nil, fmt.Errorf("%w: campaign %d has no step %d", appErrors.ErrInvalidStep, campaignID, stepNumber)
	}

	lead, err := s.LeadRepo.GetByID(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, appErrors.NewLeadNotFound(leadID)
	}

	rendered := RenderStep(step, lead)
	return &rendered, nil
}
