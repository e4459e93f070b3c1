package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/app"
	"github.com/unclebandit/outreach-sequencer/internal/config"
	"github.com/unclebandit/outreach-sequencer/internal/lock"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/mailbox"
	"github.com/unclebandit/outreach-sequencer/internal/queue"
	"github.com/unclebandit/outreach-sequencer/internal/service"
	"github.com/unclebandit/outreach-sequencer/internal/transport"
	"github.com/unclebandit/outreach-sequencer/internal/verifier"
)

func main() {
	cfg, err := config.Load(config.GetConfigPath())
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Log = logger.NewLogger(cfg.Log.Level)
	defer logger.Log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger.Log)
	if err != nil {
		logger.Log.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	if err := queue.StartOperatorAlertSubscriber(a.Events, logger.Log); err != nil {
		logger.Log.Fatal("failed to subscribe alerts", zap.Error(err))
	}

	worker, closeWorker, err := buildWorker(cfg, a)
	if err != nil {
		logger.Log.Fatal("failed to build worker", zap.Error(err))
	}
	defer closeWorker()

	logger.Log.Info("worker running",
		zap.Duration("send_interval", cfg.Scheduler.SendInterval),
		zap.Duration("response_interval", cfg.Scheduler.ResponseInterval),
		zap.String("timezone", cfg.Scheduler.Timezone),
	)
	worker.Start(ctx)
	logger.Log.Info("worker stopped")
}

// buildWorker picks the lock, verifier and mailbox implementations the
// configuration asks for and wires them into a Worker.
func buildWorker(cfg *config.Config, a *app.App) (*service.Worker, func(), error) {
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		rdb := lock.NewRedisClient(cfg.Redis)
		a.OnClose(rdb.Close)
		locker = lock.NewRedisLocker(rdb, cfg.Redis.LockTTL, cfg.Redis.LockWait, a.Logger)
		a.Logger.Info("using redis identity locks", zap.String("addr", cfg.Redis.Addr))
	}

	var v service.Verifier
	if cfg.Verification.Enabled {
		v = verifier.NewClient(cfg.Verification, a.Logger)
	} else {
		a.Logger.Info("email verification disabled")
	}

	dispatcher := a.NewDispatcher(transport.NewSMTPTransport(cfg.SMTP.DialTimeout, a.Logger), locker, v)

	var poller service.ResponsePoller
	if cfg.MQ.URL != "" {
		reader, err := mailbox.NewAMQPReader(cfg.MQ.URL, cfg.MQ.InboundQueuePrefix, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		a.OnClose(reader.Close)
		poller = a.NewCorrelator(reader)
	} else {
		a.Logger.Info("no mailbox reader configured, inbound only via HTTP")
	}

	sendTicker := time.NewTicker(cfg.Scheduler.SendInterval)
	pollTicker := time.NewTicker(cfg.Scheduler.ResponseInterval)
	closeFn := func() {
		sendTicker.Stop()
		pollTicker.Stop()
	}

	return service.NewWorker(dispatcher, poller, sendTicker.C, pollTicker.C, a.Logger), closeFn, nil
}
