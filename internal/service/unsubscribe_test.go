package service_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

func TestUnsubscribeTokenRoundTrip(t *testing.T) {
	tokens := &service.UnsubscribeTokens{Secret: []byte("s3cret"), MaxAge: 24 * time.Hour}
	lead := &model.Lead{ID: 7, Email: "maria@lead.test"}

	token, err := tokens.Issue(lead, monday)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, email, err := tokens.Parse(token, monday.Add(23*time.Hour))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id != 7 || email != "maria@lead.test" {
		t.Errorf("got lead %d %q", id, email)
	}

	if _, _, err := tokens.Parse(token, monday.Add(25*time.Hour)); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expected expired token, got %v", err)
	}
	other := &service.UnsubscribeTokens{Secret: []byte("other"), MaxAge: 24 * time.Hour}
	if _, _, err := other.Parse(token, monday); !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		t.Errorf("expected bad signature, got %v", err)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"lead_id": 7, "email": "maria@lead.test", "sub": "unsubscribe", "exp": monday.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, _, err := tokens.Parse(unsigned, monday); err == nil {
		t.Error("unsigned token must be rejected")
	}
}

func TestUnsubscribeLinkNeedsBaseURL(t *testing.T) {
	lead := &model.Lead{ID: 1, Email: "x@x.test"}
	var none *service.UnsubscribeTokens
	if link, err := none.Link(lead, monday); err != nil || link != "" {
		t.Errorf("nil tokens: got %q %v", link, err)
	}
	noURL := &service.UnsubscribeTokens{Secret: []byte("s"), MaxAge: time.Hour}
	if link, _ := noURL.Link(lead, monday); link != "" {
		t.Errorf("expected no link without base url, got %q", link)
	}
}

func TestSentMailCarriesUnsubscribeLink(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0)
	maria := w.lead("maria@lead.test", "Maria", "Acme")
	e := w.enroll(c, maria)[0]

	if sent := w.tick(monday); sent != 1 {
		t.Fatalf("expected 1 send, got %d", sent)
	}
	link := w.transport.Sent()[0].Msg.ListUnsubscribe
	const prefix = "https://out.example.com/unsubscribe/"
	if !strings.HasPrefix(link, prefix) {
		t.Fatalf("unexpected link %q", link)
	}

	res, err := w.campaigns.Unsubscribe(w.ctx, strings.TrimPrefix(link, prefix), monday.Add(time.Hour))
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if res.LeadID != maria.ID || res.StoppedEnrollments != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if w.leadStatus(maria.ID) != model.LeadUnsubscribed {
		t.Errorf("expected unsubscribed, got %s", w.leadStatus(maria.ID))
	}
	if w.enrollmentStatus(e.ID) != model.EnrollmentStopped {
		t.Errorf("expected stopped, got %s", w.enrollmentStatus(e.ID))
	}

	c2 := w.campaign(a, 0)
	if res, _ := w.campaigns.EnrollLeads(w.ctx, c2.ID, []int{maria.ID}); res.Enrolled != 0 {
		t.Errorf("unsubscribed lead must not be enrolled again")
	}
}

func TestUnsubscribeStopsActiveEnrollments(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	maria := w.lead("maria@lead.test", "Maria", "Acme")
	e1 := w.enroll(w.campaign(a, 0, 3), maria)[0]
	e2 := w.enroll(w.campaign(a, 0, 3), maria)[0]

	token, err := w.tokens.Issue(maria, monday)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	res, err := w.campaigns.Unsubscribe(w.ctx, token, monday)
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if res.StoppedEnrollments != 2 {
		t.Errorf("expected 2 stopped enrollments, got %d", res.StoppedEnrollments)
	}
	for _, id := range []int{e1.ID, e2.ID} {
		if w.enrollmentStatus(id) != model.EnrollmentStopped {
			t.Errorf("enrollment %d: expected stopped, got %s", id, w.enrollmentStatus(id))
		}
	}
	if sent := w.tick(monday); sent != 0 {
		t.Errorf("expected nothing sent after unsubscribe, got %d", sent)
	}
}

func TestUnsubscribeRejectsBadTokens(t *testing.T) {
	w := newWorld(t)
	maria := w.lead("maria@lead.test", "Maria", "Acme")

	if _, err := w.campaigns.Unsubscribe(w.ctx, "garbage", monday); !errors.Is(err, appErrors.ErrInvalidRequest) {
		t.Errorf("garbage: expected ErrInvalidRequest, got %v", err)
	}
	old, _ := w.tokens.Issue(maria, monday.Add(-100*24*time.Hour))
	if _, err := w.campaigns.Unsubscribe(w.ctx, old, monday); !errors.Is(err, appErrors.ErrInvalidRequest) {
		t.Errorf("expired: expected ErrInvalidRequest, got %v", err)
	}
	if w.leadStatus(maria.ID) != model.LeadNew {
		t.Errorf("lead must be untouched, got %s", w.leadStatus(maria.ID))
	}

	// a token minted for an address the lead no longer has changes nothing
	stale, _ := w.tokens.Issue(&model.Lead{ID: maria.ID, Email: "old@lead.test"}, monday)
	if _, err := w.campaigns.Unsubscribe(w.ctx, stale, monday); err != nil {
		t.Errorf("stale address: %v", err)
	}
	if w.leadStatus(maria.ID) != model.LeadNew {
		t.Errorf("lead must be untouched, got %s", w.leadStatus(maria.ID))
	}
}

func TestSetLeadStatus(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	maria := w.lead("maria@lead.test", "Maria", "Acme")
	e := w.enroll(w.campaign(a, 0, 3), maria)[0]

	res, err := w.campaigns.SetLeadStatus(w.ctx, maria.ID, model.LeadMeetingBooked)
	if err != nil {
		t.Fatalf("SetLeadStatus: %v", err)
	}
	if res.StoppedEnrollments != 1 || w.enrollmentStatus(e.ID) != model.EnrollmentStopped {
		t.Errorf("expected enrollment stopped, got %+v / %s", res, w.enrollmentStatus(e.ID))
	}
	if w.leadStatus(maria.ID) != model.LeadMeetingBooked {
		t.Errorf("expected meeting_booked, got %s", w.leadStatus(maria.ID))
	}

	for _, status := range []string{model.LeadNew, model.LeadContacted, model.LeadBounced, "vip"} {
		if _, err := w.campaigns.SetLeadStatus(w.ctx, maria.ID, status); !errors.Is(err, appErrors.ErrInvalidRequest) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", status, err)
		}
	}
	if _, err := w.campaigns.SetLeadStatus(w.ctx, 4242, model.LeadNotInterested); !errors.Is(err, appErrors.ErrNotFound) {
		t.Errorf("unknown lead: expected ErrNotFound, got %v", err)
	}
}

func TestMarkResponseFollowsReplyToLead(t *testing.T) {
	w := newWorld(t)
	a := w.identity("a@send.test", 10)
	c := w.campaign(a, 0, 3)
	maria := w.lead("maria@lead.test", "Maria", "Acme")
	w.enroll(c, maria)
	w.tick(monday)
	first := w.transport.Sent()[0]

	res, err := w.correlator.Correlate(w.ctx, a.ID, model.IncomingMessage{
		MessageID:  "reply-1@lead.test",
		InReplyTo:  "<" + first.MessageID + ">",
		From:       "maria@lead.test",
		Subject:    "Re: " + first.Msg.Subject,
		Body:       "Sounds good, Tuesday works.",
		ReceivedAt: monday.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}

	if _, err := w.campaigns.MarkResponse(w.ctx, res.Inbound.ID, model.LeadMeetingBooked); err != nil {
		t.Fatalf("MarkResponse: %v", err)
	}
	if w.leadStatus(maria.ID) != model.LeadMeetingBooked {
		t.Errorf("expected meeting_booked, got %s", w.leadStatus(maria.ID))
	}
	if _, err := w.campaigns.MarkResponse(w.ctx, 9999, model.LeadMeetingBooked); !errors.Is(err, appErrors.ErrNotFound) {
		t.Errorf("unknown reply: expected ErrNotFound, got %v", err)
	}
}
