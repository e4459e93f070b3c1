package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

// MemoryStore keeps every table in process memory. It backs local dry runs
// (db.driver: memory) and the engine tests. One mutex guards all tables.
type MemoryStore struct {
	mu sync.Mutex

	nextID      int
	identities  map[int]model.SendingIdentity
	schedules   map[int][]model.HourlySlot
	campaigns   map[int]model.Campaign
	pools       map[int][]int
	steps       map[int]model.SequenceStep
	leads       map[int]model.Lead
	enrollments map[int]model.Enrollment
	dispatches  map[int]model.DispatchRecord
	inbound     map[int]model.InboundMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:  map[int]model.SendingIdentity{},
		schedules:   map[int][]model.HourlySlot{},
		campaigns:   map[int]model.Campaign{},
		pools:       map[int][]int{},
		steps:       map[int]model.SequenceStep{},
		leads:       map[int]model.Lead{},
		enrollments: map[int]model.Enrollment{},
		dispatches:  map[int]model.DispatchRecord{},
		inbound:     map[int]model.InboundMessage{},
	}
}

func (s *MemoryStore) id() int {
	s.nextID++
	return s.nextID
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func inWindow(t, since, until time.Time) bool {
	return t.After(since) && !t.After(until)
}

// leftMailbox matches the Postgres "status IN ('sent', 'bounced')" filter.
func leftMailbox(d model.DispatchRecord) bool {
	return d.Status == model.DispatchSent || d.Status == model.DispatchBounced
}

func emptyStats() map[string]int {
	return map[string]int{model.DispatchSent: 0, model.DispatchFailed: 0, model.DispatchBounced: 0}
}

func (s *MemoryStore) Identities() *MemoryIdentities   { return &MemoryIdentities{s} }
func (s *MemoryStore) Campaigns() *MemoryCampaigns     { return &MemoryCampaigns{s} }
func (s *MemoryStore) Leads() *MemoryLeads             { return &MemoryLeads{s} }
func (s *MemoryStore) Enrollments() *MemoryEnrollments { return &MemoryEnrollments{s} }
func (s *MemoryStore) Dispatches() *MemoryDispatches   { return &MemoryDispatches{s} }
func (s *MemoryStore) Inbound() *MemoryInbound         { return &MemoryInbound{s} }

// ====================== Identities ======================

type MemoryIdentities struct{ s *MemoryStore }

func (r *MemoryIdentities) Create(_ context.Context, i *model.SendingIdentity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i.ID = r.s.id()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	r.s.identities[i.ID] = *i
	return nil
}

func (r *MemoryIdentities) GetByID(_ context.Context, id int) (*model.SendingIdentity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[id]
	if !ok {
		return nil, nil
	}
	return &i, nil
}

func (r *MemoryIdentities) ListByIDs(_ context.Context, ids []int) ([]*model.SendingIdentity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := map[int]bool{}
	for _, id := range ids {
		want[id] = true
	}
	out := []*model.SendingIdentity{}
	for _, id := range sortedKeys(r.s.identities) {
		if want[id] {
			i := r.s.identities[id]
			out = append(out, &i)
		}
	}
	return out, nil
}

func (r *MemoryIdentities) ListActive(ctx context.Context) ([]*model.SendingIdentity, error) {
	all, _ := r.ListAll(ctx)
	out := []*model.SendingIdentity{}
	for _, i := range all {
		if i.Active {
			out = append(out, i)
		}
	}
	return out, nil
}

func (r *MemoryIdentities) ListAll(_ context.Context) ([]*model.SendingIdentity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.SendingIdentity{}
	for _, id := range sortedKeys(r.s.identities) {
		i := r.s.identities[id]
		out = append(out, &i)
	}
	return out, nil
}

func (r *MemoryIdentities) SetActive(_ context.Context, id int, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[id]
	if !ok {
		return fmt.Errorf("identity %d not found", id)
	}
	i.Active = active
	r.s.identities[id] = i
	return nil
}

func (r *MemoryIdentities) Schedule(_ context.Context, identityID int) ([]model.HourlySlot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]model.HourlySlot(nil), r.s.schedules[identityID]...), nil
}

func (r *MemoryIdentities) ReplaceSchedule(_ context.Context, identityID int, slots []model.HourlySlot) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := make([]model.HourlySlot, 0, len(slots))
	for _, slot := range slots {
		slot.IdentityID = identityID
		cp = append(cp, slot)
	}
	sort.Slice(cp, func(a, b int) bool { return cp[a].Hour < cp[b].Hour })
	r.s.schedules[identityID] = cp
	return nil
}

// ====================== Campaigns ======================

type MemoryCampaigns struct{ s *MemoryStore }

func (r *MemoryCampaigns) Create(_ context.Context, c *model.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c.ID = r.s.id()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.s.campaigns[c.ID] = *c
	return nil
}

func (r *MemoryCampaigns) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return &c, nil
}

func (r *MemoryCampaigns) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	keys := sortedKeys(r.s.campaigns)
	filtered := []*model.Campaign{}
	for i := len(keys) - 1; i >= 0; i-- {
		c := r.s.campaigns[keys[i]]
		if status != "" && c.Status != status {
			continue
		}
		filtered = append(filtered, &c)
	}
	total := len(filtered)
	if offset > total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (r *MemoryCampaigns) ListByStatus(_ context.Context, status string) ([]*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Campaign{}
	for _, id := range sortedKeys(r.s.campaigns) {
		c := r.s.campaigns[id]
		if c.Status == status {
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *MemoryCampaigns) UpdateStatus(_ context.Context, campaignID int, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[campaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	now := time.Now().UTC()
	c.Status = status
	c.UpdatedAt = &now
	r.s.campaigns[campaignID] = c
	return nil
}

func (r *MemoryCampaigns) PauseAllActive(_ context.Context) (int, error) {
	return r.moveAll(model.CampaignActive, model.CampaignPaused), nil
}

func (r *MemoryCampaigns) ResumeAllPaused(_ context.Context) (int, error) {
	return r.moveAll(model.CampaignPaused, model.CampaignActive), nil
}

func (r *MemoryCampaigns) moveAll(from, to string) int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for id, c := range r.s.campaigns {
		if c.Status == from {
			c.Status = to
			c.UpdatedAt = &now
			r.s.campaigns[id] = c
			n++
		}
	}
	return n
}

func (r *MemoryCampaigns) RotationPool(_ context.Context, campaignID int) ([]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids := append([]int{}, r.s.pools[campaignID]...)
	sort.Ints(ids)
	return ids, nil
}

func (r *MemoryCampaigns) ReplaceRotationPool(_ context.Context, campaignID int, identityIDs []int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := map[int]bool{}
	ids := []int{}
	for _, id := range identityIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	r.s.pools[campaignID] = ids
	return nil
}

func (r *MemoryCampaigns) AddStep(_ context.Context, step *model.SequenceStep) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.steps {
		if existing.CampaignID == step.CampaignID && existing.StepNumber == step.StepNumber {
			return fmt.Errorf("%w: step %d already exists", appErrors.ErrInvalidStep, step.StepNumber)
		}
	}
	step.ID = r.s.id()
	r.s.steps[step.ID] = *step
	return nil
}

func (r *MemoryCampaigns) Steps(_ context.Context, campaignID int) ([]*model.SequenceStep, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.SequenceStep{}
	for _, st := range r.s.steps {
		if st.CampaignID == campaignID && st.Active {
			st := st
			out = append(out, &st)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StepNumber < out[b].StepNumber })
	return out, nil
}

// ====================== Leads ======================

type MemoryLeads struct{ s *MemoryStore }

func (r *MemoryLeads) Create(_ context.Context, l *model.Lead) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l.Email = strings.ToLower(strings.TrimSpace(l.Email))
	for _, existing := range r.s.leads {
		if existing.Email == l.Email {
			return fmt.Errorf("lead %s already exists", l.Email)
		}
	}
	l.ID = r.s.id()
	if l.Status == "" {
		l.Status = model.LeadNew
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	r.s.leads[l.ID] = *l
	return nil
}

func (r *MemoryLeads) GetByID(_ context.Context, id int) (*model.Lead, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.leads[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (r *MemoryLeads) FindByEmail(_ context.Context, email string) (*model.Lead, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, id := range sortedKeys(r.s.leads) {
		if l := r.s.leads[id]; l.Email == email {
			return &l, nil
		}
	}
	return nil, nil
}

func (r *MemoryLeads) UpdateStatus(_ context.Context, id int, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.leads[id]
	if !ok {
		return appErrors.NewLeadNotFound(id)
	}
	l.Status = status
	r.s.leads[id] = l
	return nil
}

func (r *MemoryLeads) RecordVerification(_ context.Context, id int, status model.VerificationStatus, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.leads[id]
	if !ok {
		return appErrors.NewLeadNotFound(id)
	}
	l.VerificationStatus = string(status)
	l.VerifiedAt = &at
	r.s.leads[id] = l
	return nil
}

func (r *MemoryLeads) CountVerifiedSince(_ context.Context, since time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, l := range r.s.leads {
		if l.VerifiedAt != nil && !l.VerifiedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ====================== Enrollments ======================

type MemoryEnrollments struct{ s *MemoryStore }

func (r *MemoryEnrollments) Enroll(_ context.Context, campaignID, leadID int) (*model.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.enrollments {
		if e.CampaignID == campaignID && e.LeadID == leadID {
			return &e, nil
		}
	}
	e := model.Enrollment{
		ID:         r.s.id(),
		CampaignID: campaignID,
		LeadID:     leadID,
		Status:     model.EnrollmentActive,
		AddedAt:    time.Now().UTC(),
	}
	r.s.enrollments[e.ID] = e
	return &e, nil
}

func (r *MemoryEnrollments) GetByID(_ context.Context, id int) (*model.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *MemoryEnrollments) ListActiveByCampaign(_ context.Context, campaignID int) ([]*model.Enrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.Enrollment{}
	for _, id := range sortedKeys(r.s.enrollments) {
		e := r.s.enrollments[id]
		if e.CampaignID == campaignID && e.Status == model.EnrollmentActive {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (r *MemoryEnrollments) UpdateStatus(_ context.Context, id int, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok {
		return fmt.Errorf("enrollment %d not found", id)
	}
	e.Status = status
	r.s.enrollments[id] = e
	return nil
}

func (r *MemoryEnrollments) StopActiveForLead(_ context.Context, leadID int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for id, e := range r.s.enrollments {
		if e.LeadID == leadID && e.Status == model.EnrollmentActive {
			e.Status = model.EnrollmentStopped
			r.s.enrollments[id] = e
			n++
		}
	}
	return n, nil
}

func (r *MemoryEnrollments) CountByStatus(_ context.Context, campaignID int) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := map[string]int{model.EnrollmentActive: 0, model.EnrollmentCompleted: 0, model.EnrollmentStopped: 0}
	for _, e := range r.s.enrollments {
		if e.CampaignID == campaignID {
			stats[e.Status]++
		}
	}
	return stats, nil
}

// ====================== Dispatch ledger ======================

type MemoryDispatches struct{ s *MemoryStore }

func (r *MemoryDispatches) Append(_ context.Context, d *model.DispatchRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d.MessageID != "" {
		for _, existing := range r.s.dispatches {
			if existing.MessageID == d.MessageID {
				return fmt.Errorf("duplicate message id %s", d.MessageID)
			}
		}
	}
	d.ID = r.s.id()
	r.s.dispatches[d.ID] = *d
	return nil
}

// ordered returns records sorted by (sent_at, id). Caller holds the lock.
func (r *MemoryDispatches) ordered(keep func(model.DispatchRecord) bool) []*model.DispatchRecord {
	out := []*model.DispatchRecord{}
	for _, d := range r.s.dispatches {
		if keep(d) {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].SentAt.Equal(out[b].SentAt) {
			return out[a].SentAt.Before(out[b].SentAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (r *MemoryDispatches) last(keep func(model.DispatchRecord) bool) *model.DispatchRecord {
	all := r.ordered(keep)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (r *MemoryDispatches) CountSentByIdentity(_ context.Context, identityID int, since, until time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, d := range r.s.dispatches {
		if d.IdentityID == identityID && leftMailbox(d) && inWindow(d.SentAt, since, until) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryDispatches) CountByStatus(_ context.Context, since, until time.Time) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := emptyStats()
	for _, d := range r.s.dispatches {
		if inWindow(d.SentAt, since, until) {
			stats[d.Status]++
		}
	}
	return stats, nil
}

func (r *MemoryDispatches) LastSentForCampaign(_ context.Context, campaignID int) (*model.DispatchRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.last(func(d model.DispatchRecord) bool {
		return d.CampaignID == campaignID && leftMailbox(d)
	}), nil
}

func (r *MemoryDispatches) ListSentForEnrollment(_ context.Context, leadID, campaignID int) ([]*model.DispatchRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.ordered(func(d model.DispatchRecord) bool {
		return d.LeadID == leadID && d.CampaignID == campaignID && leftMailbox(d)
	}), nil
}

func (r *MemoryDispatches) LastSentToLead(_ context.Context, leadID int) (*model.DispatchRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.last(func(d model.DispatchRecord) bool {
		return d.LeadID == leadID && d.Status == model.DispatchSent
	}), nil
}

func (r *MemoryDispatches) FindByMessageID(_ context.Context, messageID string) (*model.DispatchRecord, error) {
	if messageID == "" {
		return nil, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.dispatches {
		if d.MessageID == messageID {
			return &d, nil
		}
	}
	return nil, nil
}

func (r *MemoryDispatches) MarkBounced(_ context.Context, id int, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.dispatches[id]
	if !ok || d.Status != model.DispatchSent {
		return nil
	}
	d.Status = model.DispatchBounced
	d.LastError = reason
	r.s.dispatches[id] = d
	return nil
}

func (r *MemoryDispatches) CampaignStats(_ context.Context, campaignID int) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := emptyStats()
	for _, d := range r.s.dispatches {
		if d.CampaignID == campaignID {
			stats[d.Status]++
		}
	}
	return stats, nil
}

func (r *MemoryDispatches) IdentityStats(_ context.Context, identityID int, since, until time.Time) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := emptyStats()
	for _, d := range r.s.dispatches {
		if d.IdentityID == identityID && inWindow(d.SentAt, since, until) {
			stats[d.Status]++
		}
	}
	return stats, nil
}

// All returns every ledger row in (sent_at, id) order.
func (r *MemoryDispatches) All() []*model.DispatchRecord {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.ordered(func(model.DispatchRecord) bool { return true })
}

// ====================== Inbound ======================

type MemoryInbound struct{ s *MemoryStore }

func (r *MemoryInbound) ExistsByMessageID(_ context.Context, messageID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.inbound {
		if m.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryInbound) GetByID(_ context.Context, id int) (*model.InboundMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.inbound[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r *MemoryInbound) Create(_ context.Context, m *model.InboundMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.inbound {
		if existing.MessageID == m.MessageID {
			return appErrors.ErrDuplicateInbound
		}
	}
	m.ID = r.s.id()
	r.s.inbound[m.ID] = *m
	return nil
}

func (r *MemoryInbound) ListUnlinked(_ context.Context, limit int) ([]*model.InboundMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.InboundMessage{}
	for _, m := range r.s.inbound {
		if m.LeadID == nil {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ReceivedAt.After(out[b].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every stored inbound message ordered by id.
func (r *MemoryInbound) All() []*model.InboundMessage {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []*model.InboundMessage{}
	for _, id := range sortedKeys(r.s.inbound) {
		m := r.s.inbound[id]
		out = append(out, &m)
	}
	return out
}

var (
	_ IdentityRepositoryInterface   = (*MemoryIdentities)(nil)
	_ CampaignRepositoryInterface   = (*MemoryCampaigns)(nil)
	_ LeadRepositoryInterface       = (*MemoryLeads)(nil)
	_ EnrollmentRepositoryInterface = (*MemoryEnrollments)(nil)
	_ DispatchRepositoryInterface   = (*MemoryDispatches)(nil)
	_ InboundRepositoryInterface    = (*MemoryInbound)(nil)
)
