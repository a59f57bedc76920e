package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/criptex/internal/adapters/storage"
	"github.com/alejandrodnm/criptex/internal/application/ledger"
	"github.com/alejandrodnm/criptex/internal/application/scheduler"
	"github.com/alejandrodnm/criptex/internal/application/settlement"
	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeStore struct {
	mu     sync.Mutex
	active []domain.Prediction
}

func (s *fakeStore) ListActiveByExpiry(_ context.Context, _ time.Time, _ int) ([]domain.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Prediction(nil), s.active...), nil
}

type fakeSettler struct {
	mu       sync.Mutex
	err      error
	settled  map[string]int
	expired  map[string]int
	attempts []time.Time
	clock    clockwork.Clock
}

func newFakeSettler(clock clockwork.Clock) *fakeSettler {
	return &fakeSettler{settled: map[string]int{}, expired: map[string]int{}, clock: clock}
}

func (f *fakeSettler) Settle(_ context.Context, id string) (domain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, f.clock.Now())
	if f.err != nil {
		return domain.Outcome{}, f.err
	}
	f.settled[id]++
	return domain.Outcome{Prediction: domain.Prediction{ID: id, Status: domain.StatusWon}}, nil
}

func (f *fakeSettler) ExpireNoData(_ context.Context, id string) (domain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[id]++
	return domain.Outcome{Prediction: domain.Prediction{ID: id, Status: domain.StatusExpiredNoData}}, nil
}

func (f *fakeSettler) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSettler) settledCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled[id]
}

func prediction(id string, tf domain.Timeframe, created time.Time) domain.Prediction {
	p := domain.NewPrediction("alice", "BTC", domain.DirectionUp, tf, 1, 100, created)
	p.ID = id
	return p
}

func newScheduler(store scheduler.ActiveLister, settler scheduler.Settler, clock clockwork.Clock) *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		Workers:      2,
		RetryInitial: 10 * time.Second,
		RetryMax:     time.Minute,
		NoJitter:     true,
	}, store, settler, clock, nil)
}

// --- tests ---

func TestScheduler_RebuildFromStore(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	store := &fakeStore{active: []domain.Prediction{
		prediction("a", domain.Timeframe1m, t0),
		prediction("b", domain.Timeframe5m, t0),
	}}
	settler := newFakeSettler(clock)
	s := newScheduler(store, settler, clock)

	n, err := s.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Rebuild es idempotente
	n, err = s.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, s.Pending())
}

func TestScheduler_ProcessDueOnlyExpired(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	settler := newFakeSettler(clock)
	s := newScheduler(&fakeStore{}, settler, clock)

	s.Track(prediction("short", domain.Timeframe1m, t0))
	s.Track(prediction("long", domain.Timeframe1h, t0))
	s.Track(prediction("short", domain.Timeframe1m, t0)) // duplicado

	assert.Equal(t, 0, s.ProcessDue(ctx), "nada vence antes de expiry")

	clock.Advance(time.Minute)
	assert.Equal(t, 1, s.ProcessDue(ctx))
	assert.Equal(t, 1, settler.settledCount("short"))
	assert.Equal(t, 0, settler.settledCount("long"))
	assert.Equal(t, 1, s.Pending())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, s.ProcessDue(ctx))
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_TrackIgnoresTerminal(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := newScheduler(&fakeStore{}, newFakeSettler(clock), clock)

	p := prediction("done", domain.Timeframe1m, t0)
	p.Status = domain.StatusLost
	s.Track(p)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_RetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	settler := newFakeSettler(clock)
	settler.setErr(fmt.Errorf("quote: %w", domain.ErrAdapterUnavailable))
	s := newScheduler(&fakeStore{}, settler, clock)

	s.Track(prediction("p", domain.Timeframe5m, t0))
	clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, s.ProcessDue(ctx))
	assert.Equal(t, 1, s.Pending(), "sigue ACTIVE tras el fallo")

	// Reintento programado a +10s
	clock.Advance(9 * time.Second)
	assert.Equal(t, 0, s.ProcessDue(ctx))
	clock.Advance(time.Second)
	assert.Equal(t, 1, s.ProcessDue(ctx))

	// Segundo reintento a +15s (multiplicador 1.5)
	clock.Advance(15 * time.Second)
	settler.setErr(nil)
	assert.Equal(t, 1, s.ProcessDue(ctx))
	assert.Equal(t, 1, settler.settledCount("p"))
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_ExpiresAfterMaxWait(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	settler := newFakeSettler(clock)
	settler.setErr(domain.ErrAdapterUnavailable)
	s := newScheduler(&fakeStore{}, settler, clock)

	s.Track(prediction("p", domain.Timeframe1m, t0))

	// Deadline = expiry (t0+1m) + 10 × 1m
	deadline := t0.Add(11 * time.Minute)
	for clock.Now().Before(deadline) {
		clock.Advance(time.Minute)
		s.ProcessDue(ctx)
	}

	settler.mu.Lock()
	expired := settler.expired["p"]
	settler.mu.Unlock()
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, s.Pending())
}

// Tras un reinicio con el deadline ya vencido se consulta el feed antes de cerrar.
func TestScheduler_RestartPastDeadlineStillSettles(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(11 * time.Minute))
	store := &fakeStore{active: []domain.Prediction{prediction("late", domain.Timeframe1m, t0)}}
	settler := newFakeSettler(clock)
	s := newScheduler(store, settler, clock)

	_, err := s.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ProcessDue(ctx))

	settler.mu.Lock()
	defer settler.mu.Unlock()
	assert.Len(t, settler.attempts, 1)
	assert.Equal(t, 1, settler.settled["late"])
	assert.Equal(t, 0, settler.expired["late"])
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_RestartPastDeadlineFeedDownExpires(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0.Add(11 * time.Minute))
	store := &fakeStore{active: []domain.Prediction{prediction("late", domain.Timeframe1m, t0)}}
	settler := newFakeSettler(clock)
	settler.setErr(fmt.Errorf("quote: %w", domain.ErrAdapterUnavailable))
	s := newScheduler(store, settler, clock)

	_, err := s.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ProcessDue(ctx))

	settler.mu.Lock()
	defer settler.mu.Unlock()
	assert.Len(t, settler.attempts, 1, "un intento contra el feed antes de expirar")
	assert.Equal(t, 1, settler.expired["late"])
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_RunDispatchesAtExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClockAt(t0)
	store := &fakeStore{active: []domain.Prediction{prediction("boot", domain.Timeframe1m, t0)}}
	settler := newFakeSettler(clock)
	s := newScheduler(store, settler, clock)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool { return settler.settledCount("boot") == 1 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

// Recorrido completo con storage real: feed caído más allá del deadline.
func TestScheduler_FeedDownEndsExpiredNoData(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer db.Close()

	clock := clockwork.NewFakeClockAt(t0)
	l := ledger.New(ledger.Config{SignupBonus: 3}, db, clock, nil)
	_, err = l.OpenAccount(ctx, "alice")
	require.NoError(t, err)

	p := domain.NewPrediction("alice", "BTC", domain.DirectionUp, domain.Timeframe1m, 2, 100, t0)
	_, err = l.DebitForPrediction(ctx, p)
	require.NoError(t, err)

	feed := downFeed{}
	eng := settlement.New(settlement.DefaultConfig(), db, l, feed, nil, clock, nil)

	s := newScheduler(db, eng, clock)
	_, err = s.Rebuild(ctx)
	require.NoError(t, err)

	for i := 0; i < 30 && s.Pending() > 0; i++ {
		clock.Advance(time.Minute)
		s.ProcessDue(ctx)
	}

	got, err := db.GetPrediction(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpiredNoData, got.Status)

	view, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), view.Account.FreePredictions, "stake devuelto")
}

type downFeed struct{}

func (downFeed) Quote(context.Context, string) (domain.Quote, error) {
	return domain.Quote{}, errors.New("dial tcp: connection refused")
}
