package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymirror/mirrorbot/internal/domain"
	"github.com/polymirror/mirrorbot/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memOrderStore is an in-memory OrderStore with the same uniqueness semantics
// as the postgres store: Create on an existing key returns ErrAlreadyExists.
type memOrderStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{orders: make(map[string]domain.Order)}
}

func (s *memOrderStore) Create(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.IdempotencyKey]; ok {
		return domain.ErrAlreadyExists
	}
	s.orders[order.IdempotencyKey] = order
	return nil
}

func (s *memOrderStore) Update(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.IdempotencyKey] = order
	return nil
}

func (s *memOrderStore) GetByKey(_ context.Context, key string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[key]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, nil
}

func (s *memOrderStore) ListInFlight(_ context.Context) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, order := range s.orders {
		if !order.State.Terminal() {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *memOrderStore) ListByMarket(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, order := range s.orders {
		if order.Bucket.MarketID == marketID {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *memOrderStore) state(key string) domain.OrderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[key].State
}

// fakeTransport scripts SubmitOrder outcomes in call order and records every
// submit and cancel.
type fakeTransport struct {
	mu         sync.Mutex
	submitErrs []error
	submits    []SubmitRequest
	cancels    []string
	updates    chan domain.OrderUpdate
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{updates: make(chan domain.OrderUpdate, 16)}
}

func (f *fakeTransport) SubmitOrder(_ context.Context, req SubmitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if len(f.submitErrs) == 0 {
		return nil
	}
	err := f.submitErrs[0]
	f.submitErrs = f.submitErrs[1:]
	return err
}

func (f *fakeTransport) CancelOrder(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, key)
	return nil
}

func (f *fakeTransport) Updates() <-chan domain.OrderUpdate { return f.updates }

func (f *fakeTransport) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeTransport) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

type managerFixture struct {
	manager   *Manager
	transport *fakeTransport
	store     *memOrderStore
	ledger    *risk.Ledger
}

func newManagerFixture(t *testing.T, cfg Config) *managerFixture {
	t.Helper()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 5 * time.Millisecond
	}
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 250 * time.Millisecond
	}
	f := &managerFixture{
		transport: newFakeTransport(),
		store:     newMemOrderStore(),
		ledger: risk.NewLedger(risk.LedgerConfig{
			MarketCapMicros: 1_000_000_000,
			WindowCapMicros: 1_000_000_000,
			RollingWindow:   15 * time.Minute,
		}),
	}
	f.manager = NewManager(cfg, f.transport, f.store, nil, testLogger())
	return f
}

func (f *managerFixture) reserve(t *testing.T, marketID string, micros int64) *risk.Reservation {
	t.Helper()
	res, granted, _ := f.ledger.Reserve(marketID, micros)
	require.Equal(t, micros, granted)
	return res
}

func testIntent(epoch int64) domain.ExecutionIntent {
	return domain.ExecutionIntent{
		Bucket:            domain.BucketKey{MarketID: "m1", Outcome: "YES", WindowID: "w1"},
		Epoch:             epoch,
		NetNotionalMicros: 10_000_000,
		Direction:         domain.DirectionOpen,
		WindowEndAt:       time.Now().Add(10 * time.Minute),
		CorrelationID:     "corr-1",
		CreatedAt:         time.Now(),
	}
}

func waitForState(t *testing.T, store *memOrderStore, key string, want domain.OrderState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.state(key) == want
	}, 2*time.Second, 5*time.Millisecond, "order never reached %s (last %s)", want, store.state(key))
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	bucket := domain.BucketKey{MarketID: "m1", Outcome: "YES", WindowID: "w1"}

	k1 := IdempotencyKey(bucket, 0)
	k2 := IdempotencyKey(bucket, 0)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, len(clientOrderIDPrefix)+24)
	assert.Equal(t, clientOrderIDPrefix, k1[:3])

	// Any component of (bucket, epoch) changing changes the key.
	assert.NotEqual(t, k1, IdempotencyKey(bucket, 1))
	other := bucket
	other.Outcome = "NO"
	assert.NotEqual(t, k1, IdempotencyKey(other, 0))
}

func TestExecuteDuplicateReleasesReservation(t *testing.T) {
	f := newManagerFixture(t, Config{})
	intent := testIntent(0)
	key := IdempotencyKey(intent.Bucket, intent.Epoch)
	require.NoError(t, f.store.Create(context.Background(), domain.Order{
		IdempotencyKey: key,
		State:          domain.OrderStateFilled,
	}))

	res := f.reserve(t, "m1", 10_000_000)
	err := f.manager.Execute(context.Background(), intent, res, 10_000_000)
	require.NoError(t, err)

	// The duplicate's headroom came straight back and no submit happened.
	assert.Equal(t, int64(0), f.ledger.WindowTotal())
	assert.Equal(t, 0, f.transport.submitCount())
	assert.Empty(t, f.manager.InFlight())
}

func TestOrderFillsAndCommits(t *testing.T) {
	f := newManagerFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intent := testIntent(0)
	key := IdempotencyKey(intent.Bucket, intent.Epoch)
	res := f.reserve(t, "m1", 10_000_000)
	require.NoError(t, f.manager.Execute(ctx, intent, res, 10_000_000))

	waitForState(t, f.store, key, domain.OrderStateSubmitted)
	f.manager.HandleUpdate(domain.OrderUpdate{IdempotencyKey: key, Kind: domain.UpdateAcknowledged})
	waitForState(t, f.store, key, domain.OrderStateAcknowledged)

	// Partial fill commits only the cumulative delta.
	f.manager.HandleUpdate(domain.OrderUpdate{IdempotencyKey: key, Kind: domain.UpdatePartialFill, FilledMicros: 4_000_000})
	waitForState(t, f.store, key, domain.OrderStatePartiallyFilled)
	assert.Equal(t, int64(4_000_000), f.ledger.MarketCommitted("m1"))

	f.manager.HandleUpdate(domain.OrderUpdate{IdempotencyKey: key, Kind: domain.UpdateFilled, FilledMicros: 10_000_000})
	waitForState(t, f.store, key, domain.OrderStateFilled)
	assert.Equal(t, int64(10_000_000), f.ledger.MarketCommitted("m1"))
	assert.Equal(t, int64(10_000_000), f.ledger.WindowTotal())
	assert.Empty(t, f.manager.InFlight())
}

func TestPartialFillThenCancelReleasesRemainder(t *testing.T) {
	f := newManagerFixture(t, Config{CancelRemainderAtExpiry: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intent := testIntent(0)
	intent.WindowEndAt = time.Now().Add(50 * time.Millisecond)
	key := IdempotencyKey(intent.Bucket, intent.Epoch)
	res := f.reserve(t, "m1", 10_000_000)
	require.NoError(t, f.manager.Execute(ctx, intent, res, 10_000_000))

	waitForState(t, f.store, key, domain.OrderStateSubmitted)
	f.manager.HandleUpdate(domain.OrderUpdate{IdempotencyKey: key, Kind: domain.UpdatePartialFill, FilledMicros: 3_000_000})
	waitForState(t, f.store, key, domain.OrderStatePartiallyFilled)

	time.Sleep(60 * time.Millisecond)
	f.manager.sweepExpired(ctx)

	waitForState(t, f.store, key, domain.OrderStateCancelled)
	assert.Equal(t, []string{key}, f.transport.cancelled())
	// Filled stays committed, the unfilled remainder is back in headroom.
	assert.Equal(t, int64(3_000_000), f.ledger.MarketCommitted("m1"))
	assert.Equal(t, int64(3_000_000), f.ledger.WindowTotal())
}

func TestHardRejectFailsAndReleases(t *testing.T) {
	f := newManagerFixture(t, Config{})
	f.transport.submitErrs = []error{errors.New("insufficient balance")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intent := testIntent(0)
	key := IdempotencyKey(intent.Bucket, intent.Epoch)
	res := f.reserve(t, "m1", 10_000_000)
	require.NoError(t, f.manager.Execute(ctx, intent, res, 10_000_000))

	waitForState(t, f.store, key, domain.OrderStateFailed)
	assert.Equal(t, 1, f.transport.submitCount())
	assert.Equal(t, int64(0), f.ledger.WindowTotal())
	assert.Empty(t, f.manager.InFlight())
}

func TestRetryExhaustionFails(t *testing.T) {
	f := newManagerFixture(t, Config{MaxAttempts: 3, RetryBackoff: time.Millisecond})
	f.transport.submitErrs = []error{
		Retryable(errors.New("503")),
		Retryable(errors.New("503")),
		Retryable(errors.New("503")),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intent := testIntent(0)
	key := IdempotencyKey(intent.Bucket, intent.Epoch)
	res := f.reserve(t, "m1", 10_000_000)
	require.NoError(t, f.manager.Execute(ctx, intent, res, 10_000_000))

	waitForState(t, f.store, key, domain.OrderStateFailed)
	assert.Equal(t, 3, f.transport.submitCount())
	assert.Equal(t, int64(0), f.ledger.WindowTotal())

	// Every attempt carried the same client order id.
	f.transport.mu.Lock()
	for _, req := range f.transport.submits {
		assert.Equal(t, key, req.IdempotencyKey)
	}
	f.transport.mu.Unlock()
}

func TestRetryableRejectThenAccept(t *testing.T) {
	f := newManagerFixture(t, Config{MaxAttempts: 3, RetryBackoff: time.Millisecond})
	f.transport.submitErrs = []error{Retryable(errors.New("connection reset"))}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intent := testIntent(0)
	key := IdempotencyKey(intent.Bucket, intent.Epoch)
	res := f.reserve(t, "m1", 10_000_000)
	require.NoError(t, f.manager.Execute(ctx, intent, res, 10_000_000))

	// First submit fails retryably, second succeeds and gets acked.
	require.Eventually(t, func() bool {
		return f.transport.submitCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	f.manager.HandleUpdate(domain.OrderUpdate{IdempotencyKey: key, Kind: domain.UpdateAcknowledged})
	waitForState(t, f.store, key, domain.OrderStateAcknowledged)
	assert.Equal(t, int64(10_000_000), f.ledger.WindowTotal())
}

func TestResumeSkipsResubmitForAcknowledged(t *testing.T) {
	f := newManagerFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := IdempotencyKey(domain.BucketKey{MarketID: "m1", Outcome: "YES", WindowID: "w1"}, 0)
	require.NoError(t, f.store.Create(ctx, domain.Order{
		IdempotencyKey:  key,
		Bucket:          domain.BucketKey{MarketID: "m1", Outcome: "YES", WindowID: "w1"},
		Side:            domain.SideBuy,
		RequestedMicros: 10_000_000,
		FilledMicros:    4_000_000,
		State:           domain.OrderStateAcknowledged,
	}))

	require.NoError(t, f.manager.Resume(ctx, f.ledger))

	// The unfilled remainder is re-reserved, not resubmitted.
	assert.Equal(t, int64(6_000_000), f.ledger.WindowTotal())
	assert.Equal(t, 0, f.transport.submitCount())
	require.Len(t, f.manager.InFlight(), 1)

	// The resumed order is driven to terminal by updates alone.
	f.manager.HandleUpdate(domain.OrderUpdate{IdempotencyKey: key, Kind: domain.UpdateFilled, FilledMicros: 10_000_000})
	waitForState(t, f.store, key, domain.OrderStateFilled)
	assert.Equal(t, int64(6_000_000), f.ledger.MarketCommitted("m1"))
}

func TestResumeCancelsWhenNoHeadroom(t *testing.T) {
	f := newManagerFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Exhaust the window cap so the resumed order cannot re-reserve.
	blocker, granted, _ := f.ledger.Reserve("other", 1_000_000_000)
	require.Equal(t, int64(1_000_000_000), granted)
	defer blocker.Release()

	key := IdempotencyKey(domain.BucketKey{MarketID: "m1", Outcome: "YES", WindowID: "w1"}, 0)
	require.NoError(t, f.store.Create(ctx, domain.Order{
		IdempotencyKey:  key,
		Bucket:          domain.BucketKey{MarketID: "m1", Outcome: "YES", WindowID: "w1"},
		RequestedMicros: 10_000_000,
		State:           domain.OrderStateAcknowledged,
	}))

	require.NoError(t, f.manager.Resume(ctx, f.ledger))

	assert.Equal(t, []string{key}, f.transport.cancelled())
	assert.Equal(t, domain.OrderStateCancelled, f.store.state(key))
	assert.Empty(t, f.manager.InFlight())
}

func TestRejectedRetryableOrderSweptAtExpiry(t *testing.T) {
	// A long backoff keeps the order parked in rejected while the window ends.
	f := newManagerFixture(t, Config{CancelRemainderAtExpiry: true, RetryBackoff: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intent := testIntent(0)
	intent.WindowEndAt = time.Now().Add(30 * time.Millisecond)
	key := IdempotencyKey(intent.Bucket, intent.Epoch)
	res := f.reserve(t, "m1", 10_000_000)
	require.NoError(t, f.manager.Execute(ctx, intent, res, 10_000_000))
	waitForState(t, f.store, key, domain.OrderStateSubmitted)

	f.manager.HandleUpdate(domain.OrderUpdate{
		IdempotencyKey: key,
		Kind:           domain.UpdateRejected,
		Reason:         "throttled",
		Retryable:      true,
	})
	waitForState(t, f.store, key, domain.OrderStateRejected)

	time.Sleep(40 * time.Millisecond)
	f.manager.sweepExpired(ctx)

	// The sweep must land the order in a persisted terminal state so a
	// restart never re-reserves it.
	waitForState(t, f.store, key, domain.OrderStateCancelled)
	assert.Equal(t, []string{key}, f.transport.cancelled())
	assert.Equal(t, int64(0), f.ledger.WindowTotal())
	assert.Empty(t, f.manager.InFlight())

	inflight, err := f.store.ListInFlight(ctx)
	require.NoError(t, err)
	assert.Empty(t, inflight)
}

func TestLedgerFaultCallbackFires(t *testing.T) {
	f := newManagerFixture(t, Config{})
	var faultMu sync.Mutex
	var fault error
	f.manager.OnLedgerFault(func(err error) {
		faultMu.Lock()
		fault = err
		faultMu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intent := testIntent(0)
	key := IdempotencyKey(intent.Bucket, intent.Epoch)
	// Reserve less than the requested notional so an overfill breaks the
	// reservation bound.
	res := f.reserve(t, "m1", 5_000_000)
	require.NoError(t, f.manager.Execute(ctx, intent, res, 10_000_000))
	waitForState(t, f.store, key, domain.OrderStateSubmitted)

	f.manager.HandleUpdate(domain.OrderUpdate{IdempotencyKey: key, Kind: domain.UpdatePartialFill, FilledMicros: 8_000_000})

	require.Eventually(t, func() bool {
		faultMu.Lock()
		defer faultMu.Unlock()
		return fault != nil
	}, 2*time.Second, 5*time.Millisecond)
	faultMu.Lock()
	assert.ErrorIs(t, fault, domain.ErrLedgerInconsistent)
	faultMu.Unlock()
}
