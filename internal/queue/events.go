package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	TopicDispatchSent    = "dispatch.sent"
	TopicDispatchFailed  = "dispatch.failed"
	TopicCampaignsPaused = "campaigns.paused"
	TopicInboundReply    = "inbound.reply"
	TopicInboundBounce   = "inbound.bounce"
)

// AllTopics is every topic the engine publishes.
var AllTopics = []string{
	TopicDispatchSent,
	TopicDispatchFailed,
	TopicCampaignsPaused,
	TopicInboundReply,
	TopicInboundBounce,
}

type DispatchEvent struct {
	EventID    string    `json:"event_id"`
	RecordID   int       `json:"record_id"`
	CampaignID int       `json:"campaign_id"`
	LeadID     int       `json:"lead_id"`
	StepNumber int       `json:"step_number"`
	IdentityID int       `json:"identity_id"`
	MessageID  string    `json:"message_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type CircuitTripEvent struct {
	EventID         string    `json:"event_id"`
	PausedCampaigns int       `json:"paused_campaigns"`
	Sent            int       `json:"sent"`
	Bounced         int       `json:"bounced"`
	Failed          int       `json:"failed"`
	BounceRate      float64   `json:"bounce_rate"`
	FailureRate     float64   `json:"failure_rate"`
	At              time.Time `json:"at"`
}

type InboundEvent struct {
	EventID            string    `json:"event_id"`
	InboundID          int       `json:"inbound_id"`
	MessageID          string    `json:"message_id"`
	LeadID             int       `json:"lead_id,omitempty"`
	DispatchRecordID   int       `json:"dispatch_record_id,omitempty"`
	Kind               string    `json:"kind"`
	Label              string    `json:"label,omitempty"`
	BounceType         string    `json:"bounce_type,omitempty"`
	StoppedEnrollments int       `json:"stopped_enrollments"`
	At                 time.Time `json:"at"`
}

func NewEventID() string {
	return uuid.NewString()
}

// PublishEvent publishes and logs a failure instead of returning it. Events
// are notifications; losing one must not undo a committed send.
func PublishEvent(q Queue, topic string, payload any, log *zap.Logger) {
	if q == nil {
		return
	}
	if err := q.Publish(topic, payload); err != nil && log != nil {
		log.Warn("failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

// DecodeEvent fills v from a payload delivered by either queue: raw JSON from
// AMQP or the original struct from the in-memory queue.
func DecodeEvent(payload any, v any) error {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		raw = b
	}
	return json.Unmarshal(raw, v)
}
