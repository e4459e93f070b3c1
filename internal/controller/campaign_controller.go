// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// CampaignController exposes the operator actions that change state.
type CampaignController struct {
	CampaignService *service.CampaignService
	Logger          *zap.Logger
	Now             func() time.Time
}

func (c *CampaignController) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (c *CampaignController) writeError(w http.ResponseWriter, err error) {
	var notFound *appErrors.ErrCampaignNotFound
	var leadNotFound *appErrors.ErrLeadNotFound

	switch {
	case errors.As(err, &notFound), errors.As(err, &leadNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, appErrors.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, appErrors.ErrInvalidStep), errors.Is(err, appErrors.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, appErrors.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.OrNop(c.Logger).Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pathID(r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	return id, err == nil && id > 0
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name              string `json:"name"`
		PrimaryIdentityID int    `json:"primary_identity_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.PrimaryIdentityID <= 0 {
		http.Error(w, "name and primary_identity_id are required", http.StatusBadRequest)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body.Name, body.PrimaryIdentityID)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, status)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) AddStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	var body struct {
		StepNumber int    `json:"step_number"`
		DelayDays  int    `json:"delay_days"`
		Subject    string `json:"subject"`
		Body       string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	step, err := c.CampaignService.AddStep(r.Context(), id, body.StepNumber, body.DelayDays, body.Subject, body.Body)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

func (c *CampaignController) SetRotationPool(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	var body struct {
		IdentityIDs []int `json:"identity_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	pool, err := c.CampaignService.SetRotationPool(r.Context(), id, body.IdentityIDs)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id":   id,
		"rotation_pool": pool,
	})
}

func (c *CampaignController) Activate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	if err := c.CampaignService.Activate(r.Context(), id); err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": model.CampaignActive})
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	if err := c.CampaignService.Pause(r.Context(), id); err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": model.CampaignPaused})
}

// PauseAll is the operator kill switch. ResumeAll is its inverse and also
// the way back after a deliverability trip.
func (c *CampaignController) PauseAll(w http.ResponseWriter, r *http.Request) {
	n, err := c.CampaignService.PauseAll(r.Context())
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"paused": n})
}

func (c *CampaignController) ResumeAll(w http.ResponseWriter, r *http.Request) {
	n, err := c.CampaignService.ResumeAll(r.Context())
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resumed": n})
}

func (c *CampaignController) EnrollLeads(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	var body struct {
		LeadIDs []int `json:"lead_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.LeadIDs) == 0 {
		http.Error(w, "lead_ids is required", http.StatusBadRequest)
		return
	}

	result, err := c.CampaignService.EnrollLeads(r.Context(), id, body.LeadIDs)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) StopEnrollment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid enrollment id", http.StatusBadRequest)
		return
	}
	if err := c.CampaignService.StopEnrollment(r.Context(), id); err != nil {
		c.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) SetIdentityWindow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid identity id", http.StatusBadRequest)
		return
	}

	var body struct {
		StartHour  int `json:"start_hour"`
		EndHour    int `json:"end_hour"`
		MaxPerHour int `json:"max_per_hour"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := c.CampaignService.SetIdentityWindow(r.Context(), id, body.StartHour, body.EndHour, body.MaxPerHour); err != nil {
		c.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PreviewStep renders a step for one lead without sending anything.
func (c *CampaignController) PreviewStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	var body struct {
		StepNumber int `json:"step_number"`
		LeadID     int `json:"lead_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.StepNumber == 0 {
		body.StepNumber = 1
	}
	if body.LeadID <= 0 {
		http.Error(w, "lead_id is required", http.StatusBadRequest)
		return
	}

	rendered, err := c.CampaignService.PreviewStep(r.Context(), id, body.StepNumber, body.LeadID)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"step_number": body.StepNumber,
		"lead_id":     body.LeadID,
		"subject":     rendered.Subject,
		"body":        rendered.Body,
	})
}

func (c *CampaignController) SetLeadStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid lead id", http.StatusBadRequest)
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}

	result, err := c.CampaignService.SetLeadStatus(r.Context(), id, body.Status)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// markResponse records the outcome of a reply from the triage view.
func (c *CampaignController) markResponse(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			http.Error(w, "invalid inbound message id", http.StatusBadRequest)
			return
		}
		result, err := c.CampaignService.MarkResponse(r.Context(), id, status)
		if err != nil {
			c.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// Unsubscribe serves both the link a recipient clicks and the one-click
// POST mail clients send for List-Unsubscribe-Post.
func (c *CampaignController) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	if _, err := c.CampaignService.Unsubscribe(r.Context(), token, c.now()); err != nil {
		c.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("You have been unsubscribed and will not receive further emails.\n"))
}

// Routes mounts the write endpoints.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Post("/campaigns/pause-all", c.PauseAll)
	r.Post("/campaigns/resume-all", c.ResumeAll)
	r.Post("/campaigns/{id}/steps", c.AddStep)
	r.Put("/campaigns/{id}/rotation", c.SetRotationPool)
	r.Post("/campaigns/{id}/activate", c.Activate)
	r.Post("/campaigns/{id}/pause", c.Pause)
	r.Post("/campaigns/{id}/enroll", c.EnrollLeads)
	r.Post("/campaigns/{id}/preview", c.PreviewStep)
	r.Post("/enrollments/{id}/stop", c.StopEnrollment)
	r.Put("/identities/{id}/window", c.SetIdentityWindow)
	r.Put("/leads/{id}/status", c.SetLeadStatus)
	r.Post("/inbound/{id}/mark-meeting", c.markResponse(model.LeadMeetingBooked))
	r.Post("/inbound/{id}/mark-not-interested", c.markResponse(model.LeadNotInterested))
	r.Get("/unsubscribe/{token}", c.Unsubscribe)
	r.Post("/unsubscribe/{token}", c.Unsubscribe)
}
