package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/rcs-dispatch/internal/errors"
	"github.com/unclebandit/rcs-dispatch/internal/gateway"
	"github.com/unclebandit/rcs-dispatch/internal/model"
)

var errStoreDown = errors.New("store unavailable")

// memStore backs the in-memory repositories with one lock, like a single database.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	balances  map[int64]decimal.Decimal
	secrets   map[int64]model.GatewaySecret
	ledger    []model.LedgerEntry
	campaigns map[int64]*model.Campaign
	results   map[string]*model.DispatchResult
	failReads bool
	// failCredits and failCreates make the next n refunds or result inserts
	// fail; the surrounding write is rolled back.
	failCredits int
	failCreates int
}

func newMemStore() *memStore {
	return &memStore{
		balances:  map[int64]decimal.Decimal{},
		secrets:   map[int64]model.GatewaySecret{},
		campaigns: map[int64]*model.Campaign{},
		results:   map[string]*model.DispatchResult{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) balance(sponsorID int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[sponsorID]
}

func (s *memStore) refunds(source model.LedgerSource) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.ledger {
		if e.Type == model.LedgerCredit && e.Source == source {
			n++
		}
	}
	return n
}

func (s *memStore) campaign(id int64) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *memStore) statesOf(campaignID int64) map[model.LifecycleState]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[model.LifecycleState]int{}
	for _, r := range s.results {
		if r.CampaignID == campaignID {
			out[r.State]++
		}
	}
	return out
}

// seedSent inserts an active campaign with one SENT result and returns its id.
func (s *memStore) seedSent(sponsorID int64, correlationID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cid := s.id()
	s.campaigns[cid] = &model.Campaign{
		ID: cid, SponsorID: sponsorID, AudienceCount: 1, UnitCost: decimal.NewFromInt(1),
		Status: model.CampaignActive, Counters: model.CampaignCounters{Sent: 1},
	}
	s.results[correlationID] = &model.DispatchResult{ID: s.id(), CampaignID: cid, CorrelationID: correlationID, State: model.StateSent}
	return cid
}

func (s *memStore) insertLocked(res *model.DispatchResult) error {
	if _, dup := s.results[res.CorrelationID]; dup {
		return fmt.Errorf("duplicate correlation id %s", res.CorrelationID)
	}
	res.ID = s.id()
	cp := *res
	s.results[res.CorrelationID] = &cp
	return nil
}

// settleLocked applies a settlement, writing nothing when any part fails.
func (s *memStore) settleLocked(st model.Settlement) (model.CampaignCounters, error) {
	c, ok := s.campaigns[st.CampaignID]
	if !ok {
		return model.CampaignCounters{}, appErrors.NewCampaignNotFound(st.CampaignID)
	}
	if st.Refund.IsPositive() {
		if s.failCredits > 0 {
			s.failCredits--
			return model.CampaignCounters{}, errStoreDown
		}
		if err := s.creditLocked(st.SponsorID, st.Refund, model.SourceRefund, st.ReferenceID); err != nil {
			return model.CampaignCounters{}, err
		}
	}
	c.Counters = c.Counters.Add(st.Delta)
	return c.Counters, nil
}

func (s *memStore) creditLocked(sponsorID int64, amount decimal.Decimal, source model.LedgerSource, referenceID string) error {
	b, ok := s.balances[sponsorID]
	if !ok {
		return appErrors.ErrSponsorNotFound
	}
	s.balances[sponsorID] = b.Add(amount)
	s.ledger = append(s.ledger, model.LedgerEntry{
		SponsorID: sponsorID, Type: model.LedgerCredit, Amount: amount,
		BalanceAfter: b.Add(amount), Source: source, ReferenceID: referenceID,
	})
	return nil
}

type memCampaigns struct{ s *memStore }

func (r memCampaigns) CreateFunded(ctx context.Context, c *model.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	balance, ok := r.s.balances[c.SponsorID]
	if !ok {
		return appErrors.ErrSponsorNotFound
	}
	if balance.LessThan(c.TotalCost) {
		return &appErrors.InsufficientBalanceError{SponsorID: c.SponsorID, Required: c.TotalCost, Available: balance}
	}
	r.s.balances[c.SponsorID] = balance.Sub(c.TotalCost)
	c.ID = r.s.id()
	c.Status = model.CampaignActive
	c.CreatedAt = time.Now()
	cp := *c
	r.s.campaigns[c.ID] = &cp
	r.s.ledger = append(r.s.ledger, model.LedgerEntry{SponsorID: c.SponsorID, Type: model.LedgerDebit, Amount: c.TotalCost, Source: model.SourceMessageSend})
	return nil
}

func (r memCampaigns) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failReads {
		return nil, errStoreDown
	}
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r memCampaigns) IncrementCounters(ctx context.Context, id int64, delta model.CampaignCounters) (model.CampaignCounters, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return model.CampaignCounters{}, appErrors.NewCampaignNotFound(id)
	}
	c.Counters = c.Counters.Add(delta)
	return c.Counters, nil
}

func (r memCampaigns) UpdateStatus(ctx context.Context, id int64, status model.CampaignStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.campaigns[id]; ok && c.Status == model.CampaignActive {
		c.Status = status
	}
	return nil
}

type memResults struct{ s *memStore }

func (r memResults) CreateSettled(ctx context.Context, res *model.DispatchResult, st model.Settlement) (model.CampaignCounters, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failCreates > 0 {
		r.s.failCreates--
		return model.CampaignCounters{}, errStoreDown
	}
	if _, dup := r.s.results[res.CorrelationID]; dup {
		return model.CampaignCounters{}, fmt.Errorf("duplicate correlation id %s", res.CorrelationID)
	}
	// insert cannot fail past the duplicate check, so settling first keeps it atomic
	counters, err := r.s.settleLocked(st)
	if err != nil {
		return counters, err
	}
	return counters, r.s.insertLocked(res)
}

func (r memResults) GetByCorrelationID(ctx context.Context, correlationID string) (*model.DispatchResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failReads {
		return nil, errStoreDown
	}
	res, ok := r.s.results[correlationID]
	if !ok {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

func (r memResults) AdvanceSettled(ctx context.Context, correlationID string, from, to model.LifecycleState, errorDetail *string, st model.Settlement) (model.CampaignCounters, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.results[correlationID]
	if !ok || res.State != from {
		return model.CampaignCounters{}, false, nil
	}
	counters, err := r.s.settleLocked(st)
	if err != nil {
		return counters, false, err
	}
	res.State = to
	if errorDetail != nil {
		res.ErrorDetail = errorDetail
	}
	return counters, true, nil
}

func (r memResults) RecordReply(ctx context.Context, correlationID, text string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.results[correlationID]
	if !ok {
		return false, nil
	}
	res.ReplyText = &text
	res.ReplyCount++
	return true, nil
}

func (r memResults) RecordClick(ctx context.Context, correlationID string, payload json.RawMessage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.results[correlationID]
	if !ok {
		return false, nil
	}
	res.ClickCount++
	res.ClickPayloads = append(res.ClickPayloads, payload)
	return true, nil
}

func (r memResults) CountByState(ctx context.Context, campaignID int64) (map[string]int, error) {
	stats := map[string]int{"SENT": 0, "DELIVERED": 0, "READ": 0, "FAILED": 0}
	for state, n := range r.s.statesOf(campaignID) {
		stats[string(state)] = n
	}
	return stats, nil
}

type memSponsors struct{ s *memStore }

func (r memSponsors) GetByID(ctx context.Context, id int64) (*model.Sponsor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.balances[id]
	if !ok {
		return nil, nil
	}
	return &model.Sponsor{ID: id, Balance: b}, nil
}

func (r memSponsors) Credit(ctx context.Context, sponsorID int64, amount decimal.Decimal, source model.LedgerSource, referenceID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failCredits > 0 {
		r.s.failCredits--
		return errStoreDown
	}
	return r.s.creditLocked(sponsorID, amount, source, referenceID)
}

func (r memSponsors) GetGatewaySecret(ctx context.Context, sponsorID int64) (*model.GatewaySecret, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sec, ok := r.s.secrets[sponsorID]
	if !ok {
		return nil, nil
	}
	return &sec, nil
}

// MockSender replays outcome kinds per recipient; the last kind repeats.
type MockSender struct {
	mu       sync.Mutex
	script   map[string][]gateway.OutcomeKind
	calls    map[string]int
	seq      int
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (m *MockSender) Send(ctx context.Context, recipient string, content json.RawMessage, token string, mt model.MessageType) gateway.Outcome {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(m.delay)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	i := m.calls[recipient]
	m.calls[recipient]++
	m.seq++

	kind := gateway.Success
	if kinds := m.script[recipient]; len(kinds) > 0 {
		kind = kinds[len(kinds)-1]
		if i < len(kinds) {
			kind = kinds[i]
		}
	}
	out := gateway.Outcome{Kind: kind, Recipient: recipient, CorrelationID: fmt.Sprintf("msg_%s_%d", recipient, m.seq), Attempts: 1}
	if kind != gateway.Success {
		out.Reason = "scripted " + kind.String()
		out.StatusCode = 500
	}
	return out
}

func (m *MockSender) callsFor(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[recipient]
}

// MockTokens fails every Token call after the first okCalls.
type MockTokens struct {
	mu          sync.Mutex
	okCalls     int
	calls       int
	err         error
	invalidated int
}

func (m *MockTokens) Token(ctx context.Context, sponsorID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil && m.calls > m.okCalls {
		return "", m.err
	}
	return "tok", nil
}

func (m *MockTokens) Invalidate(sponsorID int64) {
	m.mu.Lock()
	m.invalidated++
	m.mu.Unlock()
}

type MockNotifier struct {
	mu    sync.Mutex
	snaps []model.ProgressSnapshot
}

func (m *MockNotifier) Notify(ctx context.Context, snap model.ProgressSnapshot) {
	m.mu.Lock()
	m.snaps = append(m.snaps, snap)
	m.mu.Unlock()
}

func (m *MockNotifier) all() []model.ProgressSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ProgressSnapshot(nil), m.snaps...)
}

// MockDeduper remembers event ids in memory.
type MockDeduper struct {
	mu      sync.Mutex
	seen    map[string]bool
	forgets int
}

func (m *MockDeduper) FirstSeen(ctx context.Context, eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eventID == "" {
		return true
	}
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[eventID] {
		return false
	}
	m.seen[eventID] = true
	return true
}

func (m *MockDeduper) Forget(ctx context.Context, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, eventID)
	m.forgets++
}
