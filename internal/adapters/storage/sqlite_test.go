package storage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/criptex/internal/adapters/storage"
	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openAccount(t *testing.T, db *storage.SQLStorage, userID string, bonus int64) domain.Account {
	t.Helper()
	acc, created, err := db.CreateAccount(context.Background(), domain.Account{
		UserID:       userID,
		ReferralCode: domain.NewReferralCode(),
		CreatedAt:    t0,
	}, bonus)
	require.NoError(t, err)
	require.True(t, created)
	return acc
}

func manualPrediction(owner string, stake int64) domain.Prediction {
	return domain.NewPrediction(owner, "btc", domain.DirectionUp, domain.Timeframe1h, stake, 100, t0)
}

func TestSQLStorage_CreateAccountIsIdempotent(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	acc := openAccount(t, db, "alice", 5)
	assert.Equal(t, int64(5), acc.FreePredictions)

	again, created, err := db.CreateAccount(ctx, domain.Account{
		UserID: "alice", ReferralCode: domain.NewReferralCode(), CreatedAt: t0,
	}, 5)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(5), again.FreePredictions, "signup bonus solo una vez")
	assert.Equal(t, acc.ReferralCode, again.ReferralCode)

	entries, err := db.ListLedger(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ReasonSignupBonus, entries[0].Reason)
	assert.Equal(t, int64(5), entries[0].BalanceAfter)
}

func TestSQLStorage_GetAccountNotFound(t *testing.T) {
	db := newStore(t)
	_, err := db.GetAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = db.GetAccountByReferralCode(context.Background(), "NOPE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLStorage_DebitInsufficientLeavesBalance(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 2)

	_, err := db.Debit(ctx, "alice", 3, domain.ReasonStakeDebit, t0)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	acc, err := db.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), acc.FreePredictions)

	bal, err := db.Debit(ctx, "alice", 2, domain.ReasonStakeDebit, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestSQLStorage_DebitUnknownAccount(t *testing.T) {
	db := newStore(t)
	_, err := db.Debit(context.Background(), "ghost", 1, domain.ReasonStakeDebit, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLStorage_InsertPredictionWithDebit(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 5)

	p := manualPrediction("alice", 3)
	bal, err := db.InsertPredictionWithDebit(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)

	got, err := db.GetPrediction(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "BTC", got.Symbol)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, int64(3), got.StakeAmount)
	assert.True(t, got.ExpiryTime.Equal(t0.Add(time.Hour)))

	acc, err := db.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.TotalPredictionsUsed)
}

func TestSQLStorage_InsertPredictionWithDebit_InsufficientWritesNothing(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 1)

	p := manualPrediction("alice", 2)
	_, err := db.InsertPredictionWithDebit(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = db.GetPrediction(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	acc, err := db.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.FreePredictions)
	assert.Equal(t, int64(0), acc.TotalPredictionsUsed)
}

func TestSQLStorage_ConcurrentDebitsNeverGoNegative(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 1)

	var wg sync.WaitGroup
	var ok, insufficient atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.InsertPredictionWithDebit(ctx, manualPrediction("alice", 1))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientBalance):
				insufficient.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), insufficient.Load())

	acc, err := db.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.FreePredictions)
}

func TestSQLStorage_ApplySettlement_PaysOnce(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 5)

	p := manualPrediction("alice", 2)
	_, err := db.InsertPredictionWithDebit(ctx, p)
	require.NoError(t, err)

	price := 110.0
	st := domain.Settlement{
		PredictionID: p.ID,
		OwnerID:      "alice",
		Status:       domain.StatusWon,
		ResultPrice:  &price,
		SettledAt:    t0.Add(time.Hour),
		Payout:       4,
		PayoutReason: domain.ReasonWinPayout,
	}

	got, applied, err := db.ApplySettlement(ctx, st)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.StatusWon, got.Status)
	require.NotNil(t, got.ResultPrice)
	assert.InDelta(t, 110.0, *got.ResultPrice, 1e-9)
	assert.Equal(t, int64(4), got.Payout)

	// Segundo intento, incluso con otro status: no muta nada.
	st.Status = domain.StatusLost
	got, applied, err = db.ApplySettlement(ctx, st)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.StatusWon, got.Status)

	acc, err := db.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5-2+4), acc.FreePredictions)
	assert.Equal(t, int64(1), acc.SuccessfulPredictions)

	entries, err := db.ListLedger(ctx, "alice", 10)
	require.NoError(t, err)
	var payouts int
	for _, e := range entries {
		if e.Reason == domain.ReasonWinPayout {
			payouts++
			assert.Equal(t, p.ID, e.PredictionID)
		}
	}
	assert.Equal(t, 1, payouts)
}

func TestSQLStorage_ApplySettlement_ConcurrentAttempts(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 5)

	p := manualPrediction("alice", 1)
	_, err := db.InsertPredictionWithDebit(ctx, p)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := db.ApplySettlement(ctx, domain.Settlement{
				PredictionID: p.ID, OwnerID: "alice", Status: domain.StatusWon,
				SettledAt: t0.Add(time.Hour), Payout: 2, PayoutReason: domain.ReasonWinPayout,
			})
			if err == nil && ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	acc, err := db.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(6), acc.FreePredictions)
}

func TestSQLStorage_ApplySettlement_SystemOwnerNoCredit(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	p := domain.NewPrediction(domain.SystemOwner, "eth", domain.DirectionDown, domain.Timeframe5m, 0, 2000, t0)
	p.Indicators = &domain.Indicators{SMA5: 1999, RSI: 40, Sentiment: -0.3}
	p.Reasoning = "RSI neutral"
	require.NoError(t, db.InsertPrediction(ctx, p))

	got, applied, err := db.ApplySettlement(ctx, domain.Settlement{
		PredictionID: p.ID, OwnerID: domain.SystemOwner, Status: domain.StatusWon,
		SettledAt: t0.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.StatusWon, got.Status)
	require.NotNil(t, got.Indicators)
	assert.InDelta(t, 40, got.Indicators.RSI, 1e-9)
	assert.Equal(t, "RSI neutral", got.Reasoning)
	assert.Nil(t, got.ResultPrice)
}

func TestSQLStorage_ListPredictions(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)
	openAccount(t, db, "bob", 10)

	var ids []string
	for i := 0; i < 3; i++ {
		p := domain.NewPrediction("alice", "btc", domain.DirectionUp, domain.Timeframe1m, 1, 100, t0.Add(time.Duration(i)*time.Second))
		_, err := db.InsertPredictionWithDebit(ctx, p)
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	_, err := db.InsertPredictionWithDebit(ctx, manualPrediction("bob", 1))
	require.NoError(t, err)

	_, _, err = db.ApplySettlement(ctx, domain.Settlement{
		PredictionID: ids[0], OwnerID: "alice", Status: domain.StatusLost, SettledAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)

	active, err := db.ListPredictions(ctx, ports.PredictionFilter{
		OwnerID: "alice", Statuses: []domain.PredictionStatus{domain.StatusActive},
	})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, ids[2], active[0].ID, "más reciente primero")
	assert.Equal(t, ids[1], active[1].ID)

	all, err := db.ListPredictions(ctx, ports.PredictionFilter{OwnerID: "alice", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stats, err := db.PredictionStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Lost)
	assert.Equal(t, int64(3), stats.TotalStaked)
}

func TestSQLStorage_ListActiveByExpiry(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	long := domain.NewPrediction(domain.SystemOwner, "btc", domain.DirectionUp, domain.Timeframe1h, 0, 1, t0)
	short := domain.NewPrediction(domain.SystemOwner, "btc", domain.DirectionUp, domain.Timeframe1m, 0, 1, t0)
	require.NoError(t, db.InsertPrediction(ctx, long))
	require.NoError(t, db.InsertPrediction(ctx, short))

	all, err := db.ListActiveByExpiry(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, short.ID, all[0].ID)

	due, err := db.ListActiveByExpiry(ctx, t0.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, short.ID, due[0].ID)
}

func TestSQLStorage_ClaimBonus(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 0)

	acc, err := db.ClaimBonus(ctx, "alice", 1, t0, domain.BonusCooldown)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.FreePredictions)
	require.NotNil(t, acc.LastBonusClaim)

	_, err = db.ClaimBonus(ctx, "alice", 1, t0.Add(23*time.Hour), domain.BonusCooldown)
	var tooSoon *domain.TooSoonError
	require.ErrorAs(t, err, &tooSoon)
	assert.True(t, tooSoon.NextEligibleAt.Equal(t0.Add(24*time.Hour)))

	acc, err = db.ClaimBonus(ctx, "alice", 1, t0.Add(24*time.Hour), domain.BonusCooldown)
	require.NoError(t, err)
	assert.Equal(t, int64(2), acc.FreePredictions)
}

func TestSQLStorage_ApplyReferralOnce(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	openAccount(t, db, "referrer", 0)
	openAccount(t, db, "newbie", 0)
	openAccount(t, db, "other", 0)

	require.NoError(t, db.ApplyReferral(ctx, "newbie", "referrer", 1, t0))

	err := db.ApplyReferral(ctx, "newbie", "other", 1, t0)
	assert.ErrorIs(t, err, domain.ErrAlreadyReferred)

	ref, err := db.GetAccount(ctx, "referrer")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ref.FreePredictions)
	assert.Equal(t, int64(1), ref.ReferralCount)
	assert.Equal(t, int64(1), ref.ReferralEarnings)

	newbie, err := db.GetAccount(ctx, "newbie")
	require.NoError(t, err)
	assert.Equal(t, int64(1), newbie.FreePredictions)
	assert.Equal(t, "referrer", newbie.ReferredBy)

	other, err := db.GetAccount(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.ReferralCount)
}

func TestSQLStorage_ApplyReferralUnknownReferrerRollsBack(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	openAccount(t, db, "newbie", 0)

	err := db.ApplyReferral(ctx, "newbie", "ghost", 1, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidReferralCode)

	newbie, err := db.GetAccount(ctx, "newbie")
	require.NoError(t, err)
	assert.Empty(t, newbie.ReferredBy)
	assert.Equal(t, int64(0), newbie.FreePredictions)
}
