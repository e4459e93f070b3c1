// internal/handler/inbound_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// InboundHandler accepts pushed mail (webhook style) and exposes the
// unmatched messages waiting for manual triage.
type InboundHandler struct {
	Correlator *service.Correlator
	Inbound    repository.InboundRepositoryInterface
	Logger     *zap.Logger
}

// ReceiveHandler correlates one message. identity_id names the receiving
// mailbox and defaults to 0 when unknown.
func (h *InboundHandler) ReceiveHandler(w http.ResponseWriter, r *http.Request) {
	identityID := 0
	if v := r.URL.Query().Get("identity_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id < 0 {
			http.Error(w, "invalid identity_id", http.StatusBadRequest)
			return
		}
		identityID = id
	}

	var msg model.IncomingMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if msg.From == "" {
		http.Error(w, "from is required", http.StatusBadRequest)
		return
	}

	result, err := h.Correlator.Correlate(r.Context(), identityID, msg)
	if err != nil {
		logger.OrNop(h.Logger).Error("failed to correlate inbound message", zap.String("message_id", msg.MessageID), zap.Error(err))
		http.Error(w, "failed to process message: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *InboundHandler) ListUnlinkedHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	messages, err := h.Inbound.ListUnlinked(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to fetch messages: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*model.InboundMessage{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": messages})
}
