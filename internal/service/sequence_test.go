package service_test

import (
	"testing"
	"time"

	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

func steps(delays ...int) []*model.SequenceStep {
	out := make([]*model.SequenceStep, 0, len(delays))
	for i, d := range delays {
		out = append(out, &model.SequenceStep{ID: 100 + i, StepNumber: i + 1, DelayDays: d, Active: true})
	}
	return out
}

func sentSteps(numbers ...int) []*model.DispatchRecord {
	out := make([]*model.DispatchRecord, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, &model.DispatchRecord{StepNumber: n, Status: model.DispatchSent})
	}
	return out
}

func TestNextStep(t *testing.T) {
	seq := steps(0, 3, 7)

	tests := []struct {
		name string
		sent []int
		want int // 0 means finished
	}{
		{"fresh", nil, 1},
		{"after first", []int{1}, 2},
		{"after second", []int{1, 2}, 3},
		{"finished", []int{1, 2, 3}, 0},
		{"gap is filled first", []int{2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := service.NextStep(seq, sentSteps(tt.sent...))
			got := 0
			if next != nil {
				got = next.StepNumber
			}
			if got != tt.want {
				t.Errorf("NextStep = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNextStepNeverMovesBackwards(t *testing.T) {
	seq := steps(0, 1, 2, 3, 4)
	var sent []int
	prev := 0
	for {
		next := service.NextStep(seq, sentSteps(sent...))
		if next == nil {
			break
		}
		if next.StepNumber <= prev {
			t.Fatalf("next step %d after %d", next.StepNumber, prev)
		}
		prev = next.StepNumber
		sent = append(sent, next.StepNumber)
	}
	if prev != 5 {
		t.Errorf("expected to walk all 5 steps, stopped at %d", prev)
	}
}

func TestIsDueBoundary(t *testing.T) {
	seq := steps(0, 3)
	last := monday

	if service.IsDue(seq[1], &last, monday.Add(2*24*time.Hour+23*time.Hour+59*time.Minute)) {
		t.Errorf("2d23h59m after the last send must not be due")
	}
	if !service.IsDue(seq[1], &last, monday.Add(3*24*time.Hour)) {
		t.Errorf("exactly 3d after the last send must be due")
	}
	if service.IsDue(seq[1], nil, monday) {
		t.Errorf("a follow-up without a prior send is never due")
	}
	if !service.IsDue(seq[0], nil, monday) {
		t.Errorf("step 1 is always due")
	}
}

func TestSequenceTrackerProgress(t *testing.T) {
	w := newWorld(t)
	id := w.identity("a@send.test", 5)
	w.record(id.ID, 7, 1, 1, model.DispatchSent, monday)
	w.record(id.ID, 7, 1, 2, model.DispatchFailed, monday.Add(time.Hour))

	tracker := &service.SequenceTracker{Ledger: w.repos.Dispatches}
	p, err := tracker.Progress(w.ctx, steps(0, 2), 1, 7)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.Next == nil || p.Next.StepNumber != 2 {
		t.Fatalf("expected step 2 next, got %+v", p.Next)
	}
	if p.LastSentAt == nil || !p.LastSentAt.Equal(monday) {
		t.Errorf("failed attempts must not move the delay anchor, got %v", p.LastSentAt)
	}
	if p.IsDue(monday.Add(47 * time.Hour)) {
		t.Errorf("step 2 is not due before 2 days")
	}
	if !p.IsDue(monday.Add(48 * time.Hour)) {
		t.Errorf("step 2 is due after 2 days")
	}
}
