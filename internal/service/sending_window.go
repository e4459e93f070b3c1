package service

import (
	"context"
	"time"

	"github.com/unclebandit/outreach-sequencer/internal/model"
)

// ScheduleSource returns an identity's hourly rows. An empty slice means the
// identity has no schedule and the global window applies.
type ScheduleSource interface {
	Schedule(ctx context.Context, identityID int) ([]model.HourlySlot, error)
}

// SendingWindow decides whether an identity may send during the current local
// hour and with which hourly cap.
type SendingWindow struct {
	Schedules ScheduleSource
	StartHour int
	EndHour   int
	Location  *time.Location
}

func (w *SendingWindow) localHour(now time.Time) int {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Hour()
}

// WindowAllows returns (allowed, effective cap). With schedule rows the row
// for the hour decides and a missing or inactive row closes the hour. Without
// rows the global [StartHour, EndHour) window is used.
func (w *SendingWindow) WindowAllows(ctx context.Context, identity *model.SendingIdentity, now time.Time) (bool, int, error) {
	hour := w.localHour(now)

	slots, err := w.Schedules.Schedule(ctx, identity.ID)
	if err != nil {
		return false, 0, err
	}

	if len(slots) > 0 {
		for _, slot := range slots {
			if slot.Hour != hour {
				continue
			}
			if !slot.Active {
				return false, identity.MaxPerHour, nil
			}
			if slot.MaxPerHour > 0 {
				return true, slot.MaxPerHour, nil
			}
			return true, identity.MaxPerHour, nil
		}
		return false, identity.MaxPerHour, nil
	}

	return InWindow(hour, w.StartHour, w.EndHour), identity.MaxPerHour, nil
}

// InWindow reports whether hour falls in [start, end). start > end wraps past
// midnight, so 20..6 covers 20:00-05:59. start == end is an empty window.
func InWindow(hour, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// ScheduleFromWindow expands a simple window into 24 hourly rows, the way the
// operator "set window" action stores it.
func ScheduleFromWindow(identityID, start, end, maxPerHour int) []model.HourlySlot {
	slots := make([]model.HourlySlot, 0, 24)
	for h := 0; h < 24; h++ {
		slots = append(slots, model.HourlySlot{
			IdentityID: identityID,
			Hour:       h,
			MaxPerHour: maxPerHour,
			Active:     InWindow(h, start, end),
		})
	}
	return slots
}
