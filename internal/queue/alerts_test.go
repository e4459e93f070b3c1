package queue

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperatorAlertsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	q := NewInMemoryQueue(nil)

	if err := StartOperatorAlertSubscriber(q, zap.New(core)); err != nil {
		t.Fatalf("StartOperatorAlertSubscriber: %v", err)
	}

	q.Publish(TopicCampaignsPaused, CircuitTripEvent{PausedCampaigns: 4, BounceRate: 7.5})
	q.Publish(TopicInboundReply, InboundEvent{LeadID: 9, Label: "unsubscribe"})
	q.Wait()

	trips := logs.FilterField(zap.String("event", "circuit_trip")).All()
	if len(trips) != 1 || trips[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn-level circuit trip alert, got %+v", trips)
	}
	if trips[0].ContextMap()["paused_campaigns"] != int64(4) {
		t.Errorf("unexpected fields %v", trips[0].ContextMap())
	}

	if n := logs.FilterMessage("reply received").Len(); n != 1 {
		t.Errorf("expected one reply log, got %d", n)
	}
}
