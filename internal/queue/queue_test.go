package queue

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestInMemoryQueueDelivers(t *testing.T) {
	q := NewInMemoryQueue(nil)

	var mu sync.Mutex
	var got []DispatchEvent
	for i := 0; i < 2; i++ {
		q.Subscribe(TopicDispatchSent, func(payload any) error {
			var ev DispatchEvent
			if err := DecodeEvent(payload, &ev); err != nil {
				return err
			}
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return nil
		})
	}

	if err := q.Publish(TopicDispatchSent, DispatchEvent{EventID: "e1", LeadID: 7}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	q.Wait()

	if len(got) != 2 {
		t.Fatalf("expected every subscriber to get the event, got %d", len(got))
	}
	if got[0].LeadID != 7 || got[0].EventID != "e1" {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestInMemoryQueueRetries(t *testing.T) {
	q := NewInMemoryQueue(nil)
	q.backoff = time.Millisecond

	attempts := 0
	q.Subscribe(TopicDispatchFailed, func(payload any) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	q.Publish(TopicDispatchFailed, DispatchEvent{})
	q.Wait()

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestInMemoryQueueGivesUp(t *testing.T) {
	q := NewInMemoryQueue(nil)
	q.backoff = time.Millisecond

	attempts := 0
	q.Subscribe(TopicInboundBounce, func(payload any) error {
		attempts++
		return errors.New("always")
	})

	q.Publish(TopicInboundBounce, InboundEvent{})
	q.Wait()

	if attempts != 4 {
		t.Errorf("expected 1 try plus 3 retries, got %d", attempts)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	q := NewInMemoryQueue(nil)
	if err := q.Publish(TopicInboundReply, InboundEvent{}); err != nil {
		t.Errorf("expected events without subscribers to be dropped, got %v", err)
	}
	PublishEvent(nil, TopicInboundReply, InboundEvent{}, nil)
}

func TestDecodeEventFromJSON(t *testing.T) {
	var ev CircuitTripEvent
	raw := []byte(`{"event_id":"x","paused_campaigns":3,"bounce_rate":6.5}`)
	if err := DecodeEvent(raw, &ev); err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.PausedCampaigns != 3 || ev.BounceRate != 6.5 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestNewEventIDIsUnique(t *testing.T) {
	if NewEventID() == NewEventID() {
		t.Error("event ids must differ")
	}
}
