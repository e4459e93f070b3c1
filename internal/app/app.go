// Package app wires configuration into repositories and services. The server,
// worker and seeder binaries share it so they agree on storage and events.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/config"
	"github.com/unclebandit/outreach-sequencer/internal/db"
	"github.com/unclebandit/outreach-sequencer/internal/lock"
	"github.com/unclebandit/outreach-sequencer/internal/queue"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *sql.DB
	Repos  *repository.Repositories
	Events queue.Queue

	Limiter   *service.RateLimiter
	Window    *service.SendingWindow
	Breaker   *service.DeliverabilityBreaker
	Tokens    *service.UnsubscribeTokens
	Campaigns *service.CampaignService

	closers []func() error
}

// New opens storage and the event bus. With db.driver=memory nothing is
// persisted, which is only useful for demos and tests.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log}

	switch cfg.DB.Driver {
	case "memory":
		log.Warn("using in-memory storage, data is lost on exit")
		a.Repos = repository.NewMemoryRepositories(repository.NewMemoryStore())
	default:
		conn, err := db.Open(cfg.DB, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		if err := db.Migrate(ctx, conn); err != nil {
			a.Close()
			return nil, err
		}
		a.DB = conn
		a.Repos = repository.NewPostgresRepositories(conn)
	}

	if cfg.MQ.URL != "" {
		q, err := queue.NewAMQPQueue(cfg.MQ.URL, cfg.MQ.Exchange, "outreach", log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect event bus: %w", err)
		}
		a.closers = append(a.closers, q.Close)
		a.Events = q
	} else {
		a.Events = queue.NewInMemoryQueue(log)
	}

	a.Limiter = service.NewRateLimiter(a.Repos.Dispatches)
	a.Window = &service.SendingWindow{
		Schedules: a.Repos.Identities,
		StartHour: cfg.Sending.StartHour,
		EndHour:   cfg.Sending.EndHour,
		Location:  cfg.Location(),
	}
	a.Breaker = &service.DeliverabilityBreaker{
		Ledger:           a.Repos.Dispatches,
		Campaigns:        a.Repos.Campaigns,
		Window:           cfg.Deliverability.Window,
		BounceThreshold:  cfg.Deliverability.BounceRate,
		FailureThreshold: cfg.Deliverability.FailureRate,
		Inclusive:        cfg.Deliverability.InclusiveThreshold,
		Events:           a.Events,
		Logger:           log,
	}
	if cfg.Unsubscribe.Secret != "" {
		a.Tokens = &service.UnsubscribeTokens{
			Secret:  []byte(cfg.Unsubscribe.Secret),
			MaxAge:  cfg.Unsubscribe.MaxAge,
			BaseURL: cfg.Unsubscribe.BaseURL,
		}
	}
	a.Campaigns = &service.CampaignService{
		CampaignRepo:   a.Repos.Campaigns,
		IdentityRepo:   a.Repos.Identities,
		LeadRepo:       a.Repos.Leads,
		EnrollmentRepo: a.Repos.Enrollments,
		DispatchRepo:   a.Repos.Dispatches,
		InboundRepo:    a.Repos.Inbound,
		Tokens:         a.Tokens,
		Breaker:        a.Breaker,
		Limiter:        a.Limiter,
		Logger:         log,
	}
	return a, nil
}

// NewDispatcher builds the send loop around the given transport and lock.
// A nil verifier disables the verification gate.
func (a *App) NewDispatcher(transport service.MailTransport, locker lock.Locker, verifier service.Verifier) *service.Dispatcher {
	cfg := a.Config
	return &service.Dispatcher{
		Campaigns:   a.Repos.Campaigns,
		Leads:       a.Repos.Leads,
		Enrollments: a.Repos.Enrollments,
		Ledger:      a.Repos.Dispatches,
		Breaker:     a.Breaker,
		Selector: &service.IdentitySelector{
			Campaigns:  a.Repos.Campaigns,
			Identities: a.Repos.Identities,
			Ledger:     a.Repos.Dispatches,
			Window:     a.Window,
			Limiter:    a.Limiter,
			Logger:     a.Logger,
		},
		Limiter:  a.Limiter,
		Sequence: &service.SequenceTracker{Ledger: a.Repos.Dispatches},
		Gate: &service.VerificationGate{
			Verifier: verifier,
			Leads:    a.Repos.Leads,
			DailyCap: cfg.Verification.DailyCap,
			Location: cfg.Location(),
			Logger:   a.Logger,
		},
		Transport:   transport,
		Locker:      locker,
		Events:      a.Events,
		Tokens:      a.Tokens,
		SendTimeout: cfg.Scheduler.SendTimeout,
		Logger:      a.Logger,
	}
}

// NewCorrelator builds the inbound pipeline. reader may be nil when messages
// only arrive through the HTTP endpoint.
func (a *App) NewCorrelator(reader service.MailboxReader) *service.Correlator {
	cfg := a.Config
	return &service.Correlator{
		Identities:  a.Repos.Identities,
		Leads:       a.Repos.Leads,
		Enrollments: a.Repos.Enrollments,
		Ledger:      a.Repos.Dispatches,
		Inbound:     a.Repos.Inbound,
		Classifier:  service.NewBounceClassifier(cfg.Classifier.Kind, cfg.Classifier.Endpoint, cfg.Classifier.Timeout, a.Logger),
		Reader:      reader,
		Events:      a.Events,
		PollTimeout: cfg.Scheduler.PollTimeout,
		SinceDays:   cfg.Scheduler.InboundSinceDays,
		Logger:      a.Logger,
	}
}

// OnClose registers cleanup run by Close in reverse order.
func (a *App) OnClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
