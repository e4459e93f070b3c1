package service_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unclebandit/outreach-sequencer/internal/lock"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

func TestDispatchRespectsHourlyCap(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 5)
	c := w.campaign(a, 0)

	var leads []*model.Lead
	for _, email := range []string{"l1@x.test", "l2@x.test", "l3@x.test", "l4@x.test", "l5@x.test", "l6@x.test", "l7@x.test"} {
		leads = append(leads, w.lead(email, "", "X"))
	}
	w.enroll(c, leads...)

	if sent := w.tick(monday); sent != 5 {
		t.Fatalf("first hour: expected 5 sends, got %d", sent)
	}
	if sent := w.tick(monday.Add(30 * time.Minute)); sent != 0 {
		t.Fatalf("same hour: expected 0 sends, got %d", sent)
	}
	if sent := w.tick(monday.Add(time.Hour)); sent != 2 {
		t.Fatalf("next hour: expected 2 sends, got %d", sent)
	}

	// no hour window ever holds more than the cap
	records := w.store.Dispatches().All()
	for _, r := range records {
		n, _ := w.limiter.SentInWindow(w.ctx, a.ID, r.SentAt)
		if n > 5 {
			t.Errorf("window ending %s holds %d sends", r.SentAt, n)
		}
	}
	for _, l := range leads {
		if w.leadStatus(l.ID) != model.LeadContacted {
			t.Errorf("lead %d should be contacted", l.ID)
		}
	}
}

func TestSequenceRunsAndReplyStopsIt(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0, 3, 7)
	maria := w.lead("maria@acme.test", "Maria", "Acme")
	enrollment := w.enroll(c, maria)[0]

	if sent := w.tick(monday); sent != 1 {
		t.Fatalf("day 0: expected step 1, got %d sends", sent)
	}
	if sent := w.tick(monday.Add(3*24*time.Hour - time.Minute)); sent != 0 {
		t.Fatalf("step 2 went out before its delay")
	}
	if sent := w.tick(monday.Add(3 * 24 * time.Hour)); sent != 1 {
		t.Fatalf("day 3: expected step 2, got %d sends", sent)
	}

	mails := w.transport.Sent()
	if len(mails) != 2 {
		t.Fatalf("expected 2 mails, got %d", len(mails))
	}
	if mails[0].Msg.Subject != "Step 1 for Acme" || mails[0].Msg.Body != "Hi Maria, message 1" {
		t.Errorf("unexpected first mail %+v", mails[0].Msg)
	}
	if mails[1].Msg.InReplyTo != "<"+mails[0].MessageID+">" {
		t.Errorf("step 2 should thread onto step 1, got In-Reply-To %q", mails[1].Msg.InReplyTo)
	}

	res, err := w.correlator.Correlate(w.ctx, a.ID, model.IncomingMessage{
		MessageID:  "<reply-1@acme.test>",
		InReplyTo:  "<" + mails[1].MessageID + ">",
		From:       "Maria Lopez <maria@acme.test>",
		Subject:    "Re: Step 2 for Acme",
		Body:       "Let's talk next week.",
		ReceivedAt: monday.Add(4 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if res.Outcome != service.OutcomeReply || res.StoppedEnrollments != 1 {
		t.Fatalf("unexpected correlation %+v", res)
	}

	if sent := w.tick(monday.Add(10 * 24 * time.Hour)); sent != 0 {
		t.Fatalf("step 3 must not be sent after a reply")
	}
	if w.enrollmentStatus(enrollment.ID) != model.EnrollmentStopped {
		t.Errorf("enrollment should be stopped")
	}
	if w.leadStatus(maria.ID) != model.LeadResponded {
		t.Errorf("lead should be responded")
	}
}

func TestSequenceCompletes(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0, 1)
	e := w.enroll(c, w.lead("x@x.test", "X", "X"))[0]

	w.tick(monday)
	w.tick(monday.Add(24 * time.Hour))
	if sent := w.tick(monday.Add(48 * time.Hour)); sent != 0 {
		t.Fatalf("expected nothing left to send, got %d", sent)
	}
	if w.enrollmentStatus(e.ID) != model.EnrollmentCompleted {
		t.Errorf("expected completed, got %s", w.enrollmentStatus(e.ID))
	}
}

func TestTransportFailureIsRecordedAndRetried(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0)
	l := w.lead("flaky@x.test", "F", "F")
	w.enroll(c, l)

	w.transport.failTo["flaky@x.test"] = true
	if sent := w.tick(monday); sent != 0 {
		t.Fatalf("a failed send is not counted, got %d", sent)
	}
	records := w.store.Dispatches().All()
	if len(records) != 1 || records[0].Status != model.DispatchFailed || records[0].LastError == "" {
		t.Fatalf("expected one failed record, got %+v", records)
	}
	if w.leadStatus(l.ID) != model.LeadNew {
		t.Errorf("a failed send must not mark the lead contacted")
	}

	delete(w.transport.failTo, "flaky@x.test")
	if sent := w.tick(monday.Add(time.Hour)); sent != 1 {
		t.Fatalf("expected the step to be retried, got %d", sent)
	}
}

func TestUndeliverableLeadIsStopped(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0)
	bad := w.lead("bad@x.test", "B", "B")
	good := w.lead("good@x.test", "G", "G")
	es := w.enroll(c, bad, good)

	v := &fakeVerifier{results: map[string]string{"bad@x.test": "Undeliverable"}}
	w.dispatcher.Gate.Verifier = v

	if sent := w.tick(monday); sent != 1 {
		t.Fatalf("expected only the good lead, got %d", sent)
	}
	if w.enrollmentStatus(es[0].ID) != model.EnrollmentStopped {
		t.Errorf("undeliverable enrollment should be stopped")
	}
	if got := w.transport.Sent(); len(got) != 1 || got[0].Msg.To != "good@x.test" {
		t.Errorf("unexpected sends %+v", got)
	}
}

func TestExitedLeadIsSkipped(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0)
	l := w.lead("done@x.test", "D", "D")
	w.enroll(c, l)
	w.repos.Leads.UpdateStatus(w.ctx, l.ID, model.LeadMeetingBooked)

	if sent := w.tick(monday); sent != 0 {
		t.Errorf("exited leads get nothing, got %d", sent)
	}
}

func TestBusyIdentityIsSkipped(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0)
	w.enroll(c, w.lead("x@x.test", "X", "X"))
	w.dispatcher.Locker = busyLocker{busy: lock.IdentityKey(a.ID), next: lock.NewLocalLocker()}

	if sent := w.tick(monday); sent != 0 {
		t.Errorf("expected no send while the identity is locked, got %d", sent)
	}
	if len(w.store.Dispatches().All()) != 0 {
		t.Errorf("nothing should reach the ledger")
	}
}

func TestBusyEnrollmentIsSkipped(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0)
	e := w.enroll(c, w.lead("x@x.test", "X", "X"))[0]
	w.dispatcher.Locker = busyLocker{busy: lock.EnrollmentKey(e.ID), next: lock.NewLocalLocker()}

	if sent := w.tick(monday); sent != 0 {
		t.Errorf("expected no send while the enrollment is locked, got %d", sent)
	}
	if got := w.enrollmentStatus(e.ID); got != model.EnrollmentActive {
		t.Errorf("enrollment should stay active, got %s", got)
	}
}

func TestTwoSchedulersSendEachStepOnce(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	b := w.identity("b@send.test", 10)
	c := w.campaign(a, 0, 3)
	if _, err := w.campaigns.SetRotationPool(w.ctx, c.ID, []int{a.ID, b.ID}); err != nil {
		t.Fatalf("SetRotationPool: %v", err)
	}
	w.enroll(c, w.lead("maria@lead.test", "Maria", "Acme"))

	gate := newGatedTransport()
	spy := &spyLocker{next: lock.NewLocalLocker(), attempts: make(chan string, 64)}
	first := w.newDispatcher(gate, spy)
	second := w.newDispatcher(gate, spy)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		first.RunTick(w.ctx, monday)
	}()
	<-gate.entered
	for len(spy.attempts) > 0 {
		<-spy.attempts
	}

	go func() {
		defer wg.Done()
		second.RunTick(w.ctx, monday)
	}()
	select {
	case <-spy.attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("second scheduler never reached a lock")
	}
	close(gate.release)
	wg.Wait()

	steps := 0
	for _, m := range gate.Sent() {
		if strings.HasPrefix(m.Msg.Subject, "Step 1") {
			steps++
		}
	}
	if steps != 1 {
		t.Fatalf("step 1 went to the lead %d times, want once", steps)
	}
}

func TestPausedCampaignIsIgnored(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0)
	w.enroll(c, w.lead("x@x.test", "X", "X"))
	if err := w.campaigns.Pause(w.ctx, c.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if sent := w.tick(monday); sent != 0 {
		t.Errorf("paused campaigns do not send, got %d", sent)
	}
}

func TestOutsideWindowNothingSends(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0)
	w.enroll(c, w.lead("x@x.test", "X", "X"))

	if sent := w.tick(monday.Add(-4 * time.Hour)); sent != 0 {
		t.Errorf("06:00 is outside the window, got %d sends", sent)
	}
}
