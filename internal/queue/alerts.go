package queue

import (
	"go.uber.org/zap"
)

// StartOperatorAlertSubscriber logs the events an operator has to act on:
// circuit trips, failed sends and bounces. Replies are logged at info.
func StartOperatorAlertSubscriber(q Queue, log *zap.Logger) error {
	if err := q.Subscribe(TopicCampaignsPaused, func(payload any) error {
		var ev CircuitTripEvent
		if err := DecodeEvent(payload, &ev); err != nil {
			log.Warn("invalid circuit trip event", zap.Error(err))
			return nil // no retry
		}
		log.Warn("ALERT: all campaigns paused by deliverability breaker",
			zap.String("event", "circuit_trip"),
			zap.Int("paused_campaigns", ev.PausedCampaigns),
			zap.Float64("bounce_rate", ev.BounceRate),
			zap.Float64("failure_rate", ev.FailureRate),
		)
		return nil
	}); err != nil {
		return err
	}

	if err := q.Subscribe(TopicDispatchFailed, func(payload any) error {
		var ev DispatchEvent
		if err := DecodeEvent(payload, &ev); err != nil {
			log.Warn("invalid dispatch event", zap.Error(err))
			return nil
		}
		log.Warn("send failed",
			zap.Int("campaign_id", ev.CampaignID),
			zap.Int("lead_id", ev.LeadID),
			zap.Int("identity_id", ev.IdentityID),
			zap.String("error", ev.Error),
		)
		return nil
	}); err != nil {
		return err
	}

	for _, topic := range []string{TopicInboundBounce, TopicInboundReply} {
		topic := topic
		if err := q.Subscribe(topic, func(payload any) error {
			var ev InboundEvent
			if err := DecodeEvent(payload, &ev); err != nil {
				log.Warn("invalid inbound event", zap.Error(err))
				return nil
			}
			fields := []zap.Field{
				zap.String("topic", topic),
				zap.Int("lead_id", ev.LeadID),
				zap.String("label", ev.Label),
				zap.String("bounce_type", ev.BounceType),
			}
			if topic == TopicInboundBounce {
				log.Warn("bounce received", fields...)
			} else {
				log.Info("reply received", fields...)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}
