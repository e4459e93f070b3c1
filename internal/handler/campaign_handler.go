// internal/handler/campaign_handler.go
package handler

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
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// CampaignHandler serves the read-only reporting endpoints.
type CampaignHandler struct {
	Service *service.CampaignService
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewCampaignHandler(svc *service.CampaignService, log *zap.Logger) *CampaignHandler {
	return &CampaignHandler{Service: svc, Logger: log, Now: time.Now}
}

func (h *CampaignHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		var notFound *appErrors.ErrCampaignNotFound
		if errors.As(err, &notFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.OrNop(h.Logger).Error("failed to fetch campaign", zap.Int("campaign_id", id), zap.Error(err))
		http.Error(w, "failed to fetch campaign: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(details)
}

// DeliverabilityHandler reports per-identity volume and the breaker window.
func (h *CampaignHandler) DeliverabilityHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.DeliverabilityReport(r.Context(), h.now())
	if err != nil {
		logger.OrNop(h.Logger).Error("failed to build deliverability report", zap.Error(err))
		http.Error(w, "failed to build report: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
