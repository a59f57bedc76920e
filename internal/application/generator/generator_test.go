package generator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/criptex/internal/application/generator"
	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreator struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (f *fakeCreator) CreateAutomatic(_ context.Context, symbol string, tf domain.Timeframe) (domain.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, symbol+"/"+tf.String())
	if f.fail[symbol] {
		return domain.Prediction{}, domain.ErrAdapterUnavailable
	}
	return domain.Prediction{ID: symbol + tf.String(), Symbol: symbol, Timeframe: tf, OwnerID: domain.SystemOwner}, nil
}

func (f *fakeCreator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestGenerator_TickSkipsFailures(t *testing.T) {
	creator := &fakeCreator{fail: map[string]bool{"ETH": true}}
	g := generator.New(generator.Config{
		Watchlist:  []string{"BTC", "ETH", "SOL"},
		Timeframes: []domain.Timeframe{domain.Timeframe5m, domain.Timeframe1h},
	}, creator, clockwork.NewFakeClock(), nil)

	res := g.Tick(context.Background())
	assert.Equal(t, 4, res.Created)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 6, creator.count())
}

func TestGenerator_GenerateNowRateLimited(t *testing.T) {
	clock := clockwork.NewFakeClock()
	creator := &fakeCreator{}
	g := generator.New(generator.Config{OnDemandCooldown: 5 * time.Second}, creator, clock, nil)
	ctx := context.Background()

	p, err := g.GenerateNow(ctx, "alice", "BTC", "15m")
	require.NoError(t, err)
	assert.Equal(t, domain.Timeframe15m, p.Timeframe)

	_, err = g.GenerateNow(ctx, "alice", "ETH", "15m")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))

	// Otro usuario no comparte el límite
	_, err = g.GenerateNow(ctx, "bob", "ETH", "15m")
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	_, err = g.GenerateNow(ctx, "alice", "ETH", "15m")
	require.NoError(t, err)
	assert.Equal(t, 3, creator.count())
}

func TestGenerator_GenerateNowValidatesBeforeRateLimit(t *testing.T) {
	creator := &fakeCreator{}
	g := generator.New(generator.Config{}, creator, clockwork.NewFakeClock(), nil)
	ctx := context.Background()

	_, err := g.GenerateNow(ctx, "alice", "BTC", "7m")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	// El request inválido no consumió el token
	_, err = g.GenerateNow(ctx, "alice", "BTC", "1m")
	require.NoError(t, err)
}

func TestGenerator_GenerateNowPropagatesAdapterError(t *testing.T) {
	creator := &fakeCreator{fail: map[string]bool{"BTC": true}}
	g := generator.New(generator.Config{}, creator, clockwork.NewFakeClock(), nil)

	_, err := g.GenerateNow(context.Background(), "alice", "BTC", "1h")
	assert.True(t, errors.Is(err, domain.ErrAdapterUnavailable))
}

func TestGenerator_RunTicksOnCadence(t *testing.T) {
	creator := &fakeCreator{}
	g := generator.New(generator.Config{
		Interval:   20 * time.Millisecond,
		Watchlist:  []string{"BTC"},
		Timeframes: []domain.Timeframe{domain.Timeframe1m},
	}, creator, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	assert.Eventually(t, func() bool { return creator.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
