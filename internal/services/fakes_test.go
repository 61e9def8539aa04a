package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dealbridge/backend/internal/bridge"
	"github.com/dealbridge/backend/internal/events"
	"github.com/dealbridge/backend/internal/models"
	"github.com/dealbridge/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

// fakeLedger behaves like the escrow contract: each state-changing call
// takes effect once and repeats are no-ops.
type fakeLedger struct {
	mu       sync.Mutex
	calls    map[string]int
	executed map[string]int
	fail     map[string]error
	state    map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		calls:    map[string]int{},
		executed: map[string]int{},
		fail:     map[string]error{},
		state:    map[string]string{},
	}
}

func (l *fakeLedger) failOn(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.fail, method)
		return
	}
	l.fail[method] = err
}

func (l *fakeLedger) count(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

func (l *fakeLedger) executions(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executed[method]
}

func (l *fakeLedger) op(method, ref, target string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[method]++
	if err := l.fail[method]; err != nil {
		return "", err
	}
	if l.state[ref] == target {
		return "", nil
	}
	l.state[ref] = target
	l.executed[method]++
	return fmt.Sprintf("tx-%s-%d", method, l.executed[method]), nil
}

func (l *fakeLedger) Provision(_ context.Context, dealID uuid.UUID) (string, error) {
	ref := "EQescrow#" + dealID.String()
	if _, err := l.op("provision", ref, "provisioned"); err != nil {
		return "", err
	}
	return ref, nil
}

func (l *fakeLedger) Deposit(_ context.Context, ref string, _ decimal.Decimal, _ string) (string, error) {
	return l.op("deposit", ref, "funded")
}

func (l *fakeLedger) ConfirmConditions(_ context.Context, ref string) (string, error) {
	return l.op("confirm", ref, "conditions_met")
}

func (l *fakeLedger) StartApproval(_ context.Context, ref string, _ time.Time) (string, error) {
	return l.op("approval", ref, "in_approval")
}

func (l *fakeLedger) Dispute(_ context.Context, ref string, _ time.Time) (string, error) {
	return l.op("dispute", ref, "in_dispute")
}

func (l *fakeLedger) Release(_ context.Context, ref string) (string, error) {
	return l.op("release", ref, "released")
}

func (l *fakeLedger) Refund(_ context.Context, ref string) (string, error) {
	return l.op("refund", ref, "refunded")
}

// fakeBridge confirms every step unless a script says otherwise. Scripted
// poll results are consumed per step index; an exhausted script confirms.
type fakeBridge struct {
	mu        sync.Mutex
	steps     []bridge.RouteStep
	quotes    int
	quoteErr  error
	submitErr error
	keys      []string
	refIndex  map[string]int
	script    map[int][]string
	polls     int
}

func newFakeBridge(steps int) *fakeBridge {
	b := &fakeBridge{refIndex: map[string]int{}, script: map[int][]string{}}
	for i := 0; i < steps; i++ {
		b.steps = append(b.steps, bridge.RouteStep{Index: i, Kind: "transfer"})
	}
	return b
}

func (b *fakeBridge) Quote(_ context.Context, _ bridge.QuoteRequest) (*bridge.Route, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes++
	if b.quoteErr != nil {
		return nil, b.quoteErr
	}
	return &bridge.Route{ID: fmt.Sprintf("route-%d", b.quotes), Steps: b.steps}, nil
}

func (b *fakeBridge) SubmitStep(_ context.Context, _ string, index int, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.keys = append(b.keys, key)
	ref := "ext:" + key
	b.refIndex[ref] = index
	return ref, nil
}

func (b *fakeBridge) PollStep(_ context.Context, ref string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	idx := b.refIndex[ref]
	if s := b.script[idx]; len(s) > 0 {
		b.script[idx] = s[1:]
		if s[0] == "error" {
			return "", errBoom
		}
		return s[0], nil
	}
	return bridge.StepConfirmed, nil
}

func (b *fakeBridge) submittedKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keys...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]events.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: map[string][]events.Event{}}
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[channel] = append(p.events[channel], ev)
	return nil
}

func (p *recordingPublisher) alerts(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events[events.ChannelAlerts] {
		if ev.Payload["kind"] == kind {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store  *repositories.MemoryDealRepo
	ledger *fakeLedger
	bridge *fakeBridge
	pub    *recordingPublisher
	clock  *testClock
	policy Policy
	settle *SettlementOrchestrator
	svc    *DealService
	buyer  uuid.UUID
	seller uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  repositories.NewMemoryDealRepo(),
		ledger: newFakeLedger(),
		bridge: newFakeBridge(2),
		pub:    newRecordingPublisher(),
		clock:  &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		buyer:  uuid.New(),
		seller: uuid.New(),
	}
	h.policy = Policy{
		FinalApproval:  Window{Default: 72 * time.Hour, Min: time.Hour, Max: 14 * 24 * time.Hour},
		Dispute:        Window{Default: 7 * 24 * time.Hour, Min: 24 * time.Hour, Max: 30 * 24 * time.Hour},
		VersionRetries: 50,
		Now:            h.clock.Now,
	}
	h.settle = NewSettlementOrchestrator(h.store, h.bridge, h.pub, time.Second, 3, zap.NewNop())
	h.settle.now = h.clock.Now
	h.settle.retries = 50
	h.svc = NewDealService(h.store, h.ledger, h.settle, h.pub, h.policy, zap.NewNop())
	return h
}

func (h *harness) input(crossNetwork bool, conditions int) CreateDealInput {
	sellerNet := "ton"
	if crossNetwork {
		sellerNet = "eth"
	}
	in := CreateDealInput{
		CreatorID: h.buyer,
		BuyerID:   h.buyer,
		SellerID:  h.seller,
		Amount:    decimal.RequireFromString("25.5"),
		AssetRef:  "TON",
		Settlement: models.Settlement{
			Buyer:  models.SettlementTarget{NetworkID: "ton", Address: "EQbuyer"},
			Seller: models.SettlementTarget{NetworkID: sellerNet, Address: "0xseller"},
		},
	}
	for i := 0; i < conditions; i++ {
		in.Conditions = append(in.Conditions, ConditionInput{Kind: "delivery", Description: fmt.Sprintf("item %d", i)})
	}
	return in
}

// dealIn creates a deal with one condition and drives it to status through
// the public operations. Past PENDING_CONDITIONS the condition is fulfilled.
func (h *harness) dealIn(t *testing.T, status string, crossNetwork bool) *models.Deal {
	t.Helper()
	ctx := context.Background()

	d, err := h.svc.CreateDeal(ctx, h.input(crossNetwork, 1))
	require.NoError(t, err)
	if status == models.DealStatusPendingReview {
		return d
	}

	d, err = h.svc.SellerDecision(ctx, d.ID, h.seller, models.DecisionAccept)
	require.NoError(t, err)
	if status == models.DealStatusAwaitingFunds {
		return d
	}

	d, err = h.svc.RecordDeposit(ctx, d.ID, h.buyer, d.Amount, "proof-tx")
	require.NoError(t, err)
	if status == models.DealStatusAwaitingConfirmation {
		return d
	}

	d, err = h.svc.ConfirmFunds(ctx, d.ID, h.seller)
	require.NoError(t, err)
	if status == models.DealStatusPendingConditions {
		return d
	}

	d, err = h.svc.ReviewCondition(ctx, d.ID, h.buyer, d.Conditions[0].ID, models.ConditionStatusFulfilled, nil)
	require.NoError(t, err)
	require.Equal(t, models.DealStatusReadyForFinalApproval, d.Status)
	if status == models.DealStatusReadyForFinalApproval {
		return d
	}

	d, err = h.svc.StartFinalApproval(ctx, d.ID, h.buyer, 0)
	require.NoError(t, err)
	if status == models.DealStatusInFinalApproval {
		return d
	}

	d, err = h.svc.RaiseDispute(ctx, d.ID, h.buyer, 0)
	require.NoError(t, err)
	require.Equal(t, models.DealStatusInDispute, status)
	return d
}

func (h *harness) get(t *testing.T, id uuid.UUID) *models.Deal {
	t.Helper()
	d, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func countLabel(d *models.Deal, label string) int {
	n := 0
	for _, e := range d.Timeline {
		if e.Label == label {
			n++
		}
	}
	return n
}

func lastEvent(d *models.Deal) models.TimelineEvent {
	return d.Timeline[len(d.Timeline)-1]
}

func ledgerEvent(typ string, dealID uuid.UUID, tx string, idx uint32) models.LedgerEvent {
	return models.LedgerEvent{Type: typ, DealID: dealID, SourceTxRef: tx, LogIndex: idx}
}
