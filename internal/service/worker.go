package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/logger"
)

// TickRunner is the dispatch side of the worker.
type TickRunner interface {
	RunTick(ctx context.Context, now time.Time) (int, error)
}

// ResponsePoller is the inbound side of the worker.
type ResponsePoller interface {
	Poll(ctx context.Context) (int, error)
}

// Worker drives both ticks from one goroutine, so a dispatch tick and a
// response poll never overlap.
type Worker struct {
	Dispatcher TickRunner
	Poller     ResponsePoller
	SendTicks  <-chan time.Time
	PollTicks  <-chan time.Time
	Logger     *zap.Logger
}

// Constructor
func NewWorker(dispatcher TickRunner, poller ResponsePoller, sendTicks, pollTicks <-chan time.Time, log *zap.Logger) *Worker {
	return &Worker{
		Dispatcher: dispatcher,
		Poller:     poller,
		SendTicks:  sendTicks,
		PollTicks:  pollTicks,
		Logger:     logger.OrNop(log),
	}
}

// Start runs until ctx is cancelled or both tick channels are closed.
func (w *Worker) Start(ctx context.Context) {
	sendTicks, pollTicks := w.SendTicks, w.PollTicks
	if w.Poller == nil {
		pollTicks = nil
	}

	for sendTicks != nil || pollTicks != nil {
		select {
		case <-ctx.Done():
			return

		case now, ok := <-sendTicks:
			if !ok {
				sendTicks = nil
				continue
			}
			sent, err := w.Dispatcher.RunTick(ctx, now.UTC())
			if err != nil {
				w.Logger.Error("dispatch tick failed", zap.Error(err))
				continue
			}
			w.Logger.Debug("dispatch tick", zap.Int("sent", sent))

		case _, ok := <-pollTicks:
			if !ok {
				pollTicks = nil
				continue
			}
			replies, err := w.Poller.Poll(ctx)
			if err != nil {
				w.Logger.Error("response poll failed", zap.Error(err))
				continue
			}
			if replies > 0 {
				w.Logger.Info("new responses recorded", zap.Int("count", replies))
			}
		}
	}
}
