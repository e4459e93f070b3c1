package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/lock"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/queue"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

// monday is 10:00 UTC on a weekday, inside the default 9-17 window.
var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// --- fakes ---

type sentMail struct {
	IdentityID int
	MessageID  string
	Msg        service.OutboundEmail
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentMail
	failTo map[string]bool
	n      int
}

func (f *fakeTransport) Send(_ context.Context, identity *model.SendingIdentity, msg service.OutboundEmail) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[msg.To] {
		return "", errors.New("550 relay denied")
	}
	f.n++
	id := fmt.Sprintf("m%d@test.local", f.n)
	f.sent = append(f.sent, sentMail{IdentityID: identity.ID, MessageID: id, Msg: msg})
	return id, nil
}

func (f *fakeTransport) Sent() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

type fakeVerifier struct {
	mu      sync.Mutex
	calls   int
	results map[string]string
	err     error
}

func (f *fakeVerifier) Check(_ context.Context, address string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if r, ok := f.results[address]; ok {
		return r, nil
	}
	return "Deliverable", nil
}

func (f *fakeVerifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// busyLocker reports one key as held elsewhere and hands out the rest.
type busyLocker struct {
	busy string
	next lock.Locker
}

func (b busyLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == b.busy {
		return nil, fmt.Errorf("lock %s: %w", key, appErrors.ErrIdentityBusy)
	}
	return b.next.Lock(ctx, key)
}

// spyLocker reports every lock attempt before waiting on it.
type spyLocker struct {
	next     lock.Locker
	attempts chan string
}

func (s *spyLocker) Lock(ctx context.Context, key string) (func(), error) {
	s.attempts <- key
	return s.next.Lock(ctx, key)
}

// gatedTransport holds the first send until release is closed.
type gatedTransport struct {
	*fakeTransport
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		fakeTransport: &fakeTransport{failTo: map[string]bool{}},
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedTransport) Send(ctx context.Context, identity *model.SendingIdentity, msg service.OutboundEmail) (string, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.fakeTransport.Send(ctx, identity, msg)
}

// --- world ---

// world is a full engine over the in-memory store.
type world struct {
	t         *testing.T
	ctx       context.Context
	store     *repository.MemoryStore
	repos     *repository.Repositories
	transport *fakeTransport
	events    *queue.InMemoryQueue
	tokens    *service.UnsubscribeTokens

	limiter    *service.RateLimiter
	window     *service.SendingWindow
	breaker    *service.DeliverabilityBreaker
	dispatcher *service.Dispatcher
	correlator *service.Correlator
	campaigns  *service.CampaignService
}

func newWorld(t *testing.T) *world {
	t.Helper()
	store := repository.NewMemoryStore()
	repos := repository.NewMemoryRepositories(store)
	w := &world{
		t:         t,
		ctx:       context.Background(),
		store:     store,
		repos:     repos,
		transport: &fakeTransport{failTo: map[string]bool{}},
		events:    queue.NewInMemoryQueue(nil),
		tokens: &service.UnsubscribeTokens{
			Secret:  []byte("test-unsubscribe-secret"),
			MaxAge:  90 * 24 * time.Hour,
			BaseURL: "https://out.example.com/",
		},
	}

	w.limiter = service.NewRateLimiter(repos.Dispatches)
	w.window = &service.SendingWindow{Schedules: repos.Identities, StartHour: 9, EndHour: 17, Location: time.UTC}
	w.breaker = &service.DeliverabilityBreaker{
		Ledger:           repos.Dispatches,
		Campaigns:        repos.Campaigns,
		Window:           time.Hour,
		BounceThreshold:  5,
		FailureThreshold: 10,
		Inclusive:        true,
		Events:           w.events,
	}
	w.dispatcher = w.newDispatcher(w.transport, lock.NewLocalLocker())
	w.correlator = &service.Correlator{
		Identities:  repos.Identities,
		Leads:       repos.Leads,
		Enrollments: repos.Enrollments,
		Ledger:      repos.Dispatches,
		Inbound:     repos.Inbound,
		Classifier:  &service.HeuristicClassifier{},
		Events:      w.events,
	}
	w.campaigns = &service.CampaignService{
		CampaignRepo:   repos.Campaigns,
		IdentityRepo:   repos.Identities,
		LeadRepo:       repos.Leads,
		EnrollmentRepo: repos.Enrollments,
		DispatchRepo:   repos.Dispatches,
		InboundRepo:    repos.Inbound,
		Tokens:         w.tokens,
		Breaker:        w.breaker,
		Limiter:        w.limiter,
	}
	return w
}

// newDispatcher builds a dispatcher over the world's store, as a second
// scheduler process would.
func (w *world) newDispatcher(transport service.MailTransport, locker lock.Locker) *service.Dispatcher {
	return &service.Dispatcher{
		Campaigns:   w.repos.Campaigns,
		Leads:       w.repos.Leads,
		Enrollments: w.repos.Enrollments,
		Ledger:      w.repos.Dispatches,
		Breaker:     w.breaker,
		Selector: &service.IdentitySelector{
			Campaigns:  w.repos.Campaigns,
			Identities: w.repos.Identities,
			Ledger:     w.repos.Dispatches,
			Window:     w.window,
			Limiter:    w.limiter,
		},
		Limiter:   w.limiter,
		Sequence:  &service.SequenceTracker{Ledger: w.repos.Dispatches},
		Gate:      &service.VerificationGate{Leads: w.repos.Leads, DailyCap: 25, Location: time.UTC},
		Transport: transport,
		Locker:    locker,
		Events:    w.events,
		Tokens:    w.tokens,
	}
}

func (w *world) identity(email string, maxPerHour int) *model.SendingIdentity {
	w.t.Helper()
	i := &model.SendingIdentity{Name: email, Email: email, MaxPerHour: maxPerHour, Active: true}
	if err := w.repos.Identities.Create(w.ctx, i); err != nil {
		w.t.Fatalf("create identity: %v", err)
	}
	return i
}

func (w *world) lead(email, firstName, company string) *model.Lead {
	w.t.Helper()
	l := &model.Lead{Email: email, FirstName: firstName, Company: company}
	if err := w.repos.Leads.Create(w.ctx, l); err != nil {
		w.t.Fatalf("create lead: %v", err)
	}
	return l
}

// campaign creates an active campaign with one step per delay.
func (w *world) campaign(primary *model.SendingIdentity, delays ...int) *model.Campaign {
	w.t.Helper()
	c, err := w.campaigns.CreateCampaign(w.ctx, "test campaign", primary.ID)
	if err != nil {
		w.t.Fatalf("create campaign: %v", err)
	}
	for i, d := range delays {
		n := i + 1
		subject := fmt.Sprintf("Step %d for {company}", n)
		body := fmt.Sprintf("Hi {firstName|there}, message %d", n)
		if _, err := w.campaigns.AddStep(w.ctx, c.ID, n, d, subject, body); err != nil {
			w.t.Fatalf("add step: %v", err)
		}
	}
	if len(delays) > 0 {
		if err := w.campaigns.Activate(w.ctx, c.ID); err != nil {
			w.t.Fatalf("activate: %v", err)
		}
	}
	return c
}

func (w *world) enroll(c *model.Campaign, leads ...*model.Lead) []*model.Enrollment {
	w.t.Helper()
	out := make([]*model.Enrollment, 0, len(leads))
	for _, l := range leads {
		e, err := w.repos.Enrollments.Enroll(w.ctx, c.ID, l.ID)
		if err != nil {
			w.t.Fatalf("enroll: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func (w *world) tick(now time.Time) int {
	w.t.Helper()
	n, err := w.dispatcher.RunTick(w.ctx, now)
	if err != nil {
		w.t.Fatalf("RunTick: %v", err)
	}
	return n
}

// record appends a ledger row directly.
func (w *world) record(identityID, campaignID, leadID, step int, status string, at time.Time) *model.DispatchRecord {
	w.t.Helper()
	rec := &model.DispatchRecord{
		LeadID:     leadID,
		CampaignID: campaignID,
		StepNumber: step,
		IdentityID: identityID,
		Status:     status,
		SentAt:     at,
	}
	if err := w.repos.Dispatches.Append(w.ctx, rec); err != nil {
		w.t.Fatalf("append: %v", err)
	}
	return rec
}

func (w *world) leadStatus(id int) string {
	w.t.Helper()
	l, err := w.repos.Leads.GetByID(w.ctx, id)
	if err != nil || l == nil {
		w.t.Fatalf("get lead %d: %v", id, err)
	}
	return l.Status
}

func (w *world) enrollmentStatus(id int) string {
	w.t.Helper()
	e, err := w.repos.Enrollments.GetByID(w.ctx, id)
	if err != nil || e == nil {
		w.t.Fatalf("get enrollment %d: %v", id, err)
	}
	return e.Status
}
