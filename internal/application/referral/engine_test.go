package referral_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alejandrodnm/criptex/internal/adapters/storage"
	"github.com/alejandrodnm/criptex/internal/application/ledger"
	"github.com/alejandrodnm/criptex/internal/application/referral"
	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) (*referral.Engine, *ledger.Ledger) {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	l := ledger.New(ledger.Config{SignupBonus: 5}, db, clock, nil)
	return referral.New(nil, 1, db, l), l
}

func TestEngine_ApplyReferralCodeOnce(t *testing.T) {
	e, l := newEngine(t)
	ctx := context.Background()

	referrer, err := l.OpenAccount(ctx, "referrer")
	require.NoError(t, err)
	_, err = l.OpenAccount(ctx, "newbie")
	require.NoError(t, err)

	require.NoError(t, e.ApplyReferralCode(ctx, "newbie", referrer.ReferralCode))

	err = e.ApplyReferralCode(ctx, "newbie", referrer.ReferralCode)
	assert.ErrorIs(t, err, domain.ErrAlreadyReferred)

	stats, err := e.Stats(ctx, "referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ReferralCount)
	assert.Equal(t, int64(1), stats.ReferralEarnings)
	assert.Equal(t, "Novice", stats.Tier.Label)

	newbie, err := l.Balance(ctx, "newbie")
	require.NoError(t, err)
	assert.Equal(t, int64(6), newbie.Account.FreePredictions)
	assert.Equal(t, "referrer", newbie.Account.ReferredBy)

	ref, err := l.Balance(ctx, "referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(6), ref.Account.FreePredictions)
}

func TestEngine_ApplyReferralCodeInvalid(t *testing.T) {
	e, l := newEngine(t)
	ctx := context.Background()

	self, err := l.OpenAccount(ctx, "alice")
	require.NoError(t, err)

	err = e.ApplyReferralCode(ctx, "alice", "ZZZZZZZZ")
	assert.ErrorIs(t, err, domain.ErrInvalidReferralCode)

	err = e.ApplyReferralCode(ctx, "alice", "")
	assert.ErrorIs(t, err, domain.ErrInvalidReferralCode)

	err = e.ApplyReferralCode(ctx, "alice", self.ReferralCode)
	assert.ErrorIs(t, err, domain.ErrInvalidReferralCode, "self-referral")

	view, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), view.Account.FreePredictions)
}

func TestEngine_CodeIsCaseInsensitive(t *testing.T) {
	e, l := newEngine(t)
	ctx := context.Background()

	referrer, err := l.OpenAccount(ctx, "referrer")
	require.NoError(t, err)
	_, err = l.OpenAccount(ctx, "newbie")
	require.NoError(t, err)

	require.NoError(t, e.ApplyReferralCode(ctx, "newbie", " "+strings.ToLower(referrer.ReferralCode)+" "))
}

func TestEngine_TierFor(t *testing.T) {
	e, _ := newEngine(t)

	cases := []struct {
		count int64
		label string
		mult  float64
	}{
		{0, "None", 0},
		{1, "Novice", 1},
		{4, "Novice", 1},
		{5, "Active", 2},
		{10, "Pro", 3},
		{24, "Pro", 3},
		{25, "Expert", 5},
		{50, "Master", 10},
		{1000, "Master", 10},
	}
	for _, tc := range cases {
		tier := e.TierFor(tc.count)
		assert.Equal(t, tc.label, tier.Label, "count=%d", tc.count)
		assert.InDelta(t, tc.mult, tier.Multiplier, 1e-9, "count=%d", tc.count)
	}

	next, remaining, ok := e.NextTier(7)
	require.True(t, ok)
	assert.Equal(t, "Pro", next.Label)
	assert.Equal(t, int64(3), remaining)

	_, _, ok = e.NextTier(50)
	assert.False(t, ok)
}
