package ledger

// ledger.go: único punto de mutación de saldos.
//
// Dos capas de protección contra doble gasto:
//   - keyedMutex: serializa en proceso todas las mutaciones de una cuenta.
//   - UPDATE condicionales en storage: el chequeo de saldo y el débito son la
//     misma sentencia, así que aún con varios procesos el saldo nunca baja de 0.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
	"github.com/jonboulle/clockwork"
)

// Config contiene las políticas de saldo.
type Config struct {
	SignupBonus   int64
	DailyBonus    int64
	BonusCooldown time.Duration
	Tiers         domain.TierTable
}

// Ledger posee los saldos de créditos de cada usuario.
type Ledger struct {
	cfg     Config
	store   ports.Storage
	clock   clockwork.Clock
	metrics ports.Metrics
	locks   *keyedMutex
	opened  sync.Map // user_id -> struct{}; evita el INSERT en cada request
}

// New crea el Ledger. clock y metrics pueden ser nil.
func New(cfg Config, store ports.Storage, clock clockwork.Clock, metrics ports.Metrics) *Ledger {
	if cfg.DailyBonus <= 0 {
		cfg.DailyBonus = 1
	}
	if cfg.BonusCooldown <= 0 {
		cfg.BonusCooldown = domain.BonusCooldown
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = domain.DefaultReferralTiers()
	}
	cfg.Tiers = cfg.Tiers.Sorted()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Ledger{
		cfg:     cfg,
		store:   store,
		clock:   clock,
		metrics: metrics,
		locks:   newKeyedMutex(),
	}
}

// OpenAccount crea la cuenta si no existe. Idempotente: el signup bonus se
// acredita solo la primera vez.
func (l *Ledger) OpenAccount(ctx context.Context, userID string) (domain.Account, error) {
	if err := validUser(userID); err != nil {
		return domain.Account{}, err
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	acc, created, err := l.store.CreateAccount(ctx, domain.Account{
		UserID:       userID,
		ReferralCode: domain.NewReferralCode(),
		CreatedAt:    l.clock.Now().UTC(),
	}, l.cfg.SignupBonus)
	if err != nil {
		return domain.Account{}, fmt.Errorf("ledger.OpenAccount: %w", err)
	}
	l.opened.Store(userID, struct{}{})

	if created {
		l.metrics.LedgerMovement(string(domain.ReasonSignupBonus), l.cfg.SignupBonus)
		slog.Info("account opened", "user_id", userID, "signup_bonus", l.cfg.SignupBonus)
	}
	return acc, nil
}

// EnsureAccount es OpenAccount con un atajo para cuentas ya vistas por este proceso.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string) error {
	if _, ok := l.opened.Load(userID); ok {
		return nil
	}
	_, err := l.OpenAccount(ctx, userID)
	return err
}

// Debit resta amount del saldo o devuelve domain.ErrInsufficientBalance sin tocar nada.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < 1 {
		return 0, &domain.ValidationError{Field: "amount", Reason: "must be >= 1"}
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	balance, err := l.store.Debit(ctx, userID, amount, domain.ReasonStakeDebit, l.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("ledger.Debit: %w", err)
	}
	l.metrics.LedgerMovement(string(domain.ReasonStakeDebit), -amount)
	return balance, nil
}

// DebitForPrediction descuenta el stake y persiste la predicción como una unidad.
func (l *Ledger) DebitForPrediction(ctx context.Context, p domain.Prediction) (int64, error) {
	if p.StakeAmount < 1 {
		return 0, &domain.ValidationError{Field: "stake", Reason: "must be >= 1"}
	}

	unlock := l.locks.Lock(p.OwnerID)
	defer unlock()

	balance, err := l.store.InsertPredictionWithDebit(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("ledger.DebitForPrediction: %w", err)
	}
	l.metrics.LedgerMovement(string(domain.ReasonStakeDebit), -p.StakeAmount)
	slog.Debug("stake debited",
		"user_id", p.OwnerID,
		"prediction_id", p.ID,
		"stake", p.StakeAmount,
		"balance", balance,
	)
	return balance, nil
}

// Credit suma amount al saldo. Solo acepta los motivos de crédito conocidos.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason domain.Reason) (int64, error) {
	if !reason.CreditReason() {
		return 0, &domain.ValidationError{Field: "reason", Reason: fmt.Sprintf("%q is not a credit reason", reason)}
	}
	if amount < 0 {
		return 0, &domain.ValidationError{Field: "amount", Reason: "must be >= 0"}
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	balance, err := l.store.Credit(ctx, userID, amount, reason, l.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("ledger.Credit: %w", err)
	}
	l.metrics.LedgerMovement(string(reason), amount)
	return balance, nil
}

// ClaimDailyBonus acredita el bonus diario o devuelve *domain.TooSoonError.
func (l *Ledger) ClaimDailyBonus(ctx context.Context, userID string) (domain.BonusClaim, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	now := l.clock.Now().UTC()
	acc, err := l.store.ClaimBonus(ctx, userID, l.cfg.DailyBonus, now, l.cfg.BonusCooldown)
	if err != nil {
		return domain.BonusClaim{}, fmt.Errorf("ledger.ClaimDailyBonus: %w", err)
	}
	l.metrics.LedgerMovement(string(domain.ReasonDailyBonus), l.cfg.DailyBonus)
	slog.Info("daily bonus claimed", "user_id", userID, "balance", acc.FreePredictions)
	return domain.BonusClaim{Account: acc, NextBonusAt: acc.NextBonusAt(l.cfg.BonusCooldown)}, nil
}

// Balance arma la vista de lectura: saldo, elegibilidad del bonus y nivel de referidos.
func (l *Ledger) Balance(ctx context.Context, userID string) (domain.BalanceView, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return domain.BalanceView{}, fmt.Errorf("ledger.Balance: %w", err)
	}

	now := l.clock.Now().UTC()
	view := domain.BalanceView{
		Account:       acc,
		CanClaimBonus: acc.CanClaimBonus(now, l.cfg.BonusCooldown),
		NextBonusAt:   acc.NextBonusAt(l.cfg.BonusCooldown),
		Tier:          l.cfg.Tiers.TierFor(acc.ReferralCount),
	}
	if next, remaining, ok := l.cfg.Tiers.NextTier(acc.ReferralCount); ok {
		view.NextTier = &next
		view.ToNextTier = remaining
	}
	return view, nil
}

// History devuelve el diario de movimientos de la cuenta.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	entries, err := l.store.ListLedger(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger.History: %w", err)
	}
	return entries, nil
}

// ApplySettlement escribe la transición terminal y el payout en una transacción.
// applied es false si otra liquidación ya había cerrado la predicción.
func (l *Ledger) ApplySettlement(ctx context.Context, s domain.Settlement) (domain.Prediction, bool, error) {
	if s.OwnerID != domain.SystemOwner {
		unlock := l.locks.Lock(s.OwnerID)
		defer unlock()
	}

	p, applied, err := l.store.ApplySettlement(ctx, s)
	if err != nil {
		return domain.Prediction{}, false, fmt.Errorf("ledger.ApplySettlement: %w", err)
	}
	if applied && s.Payout > 0 {
		l.metrics.LedgerMovement(string(s.PayoutReason), s.Payout)
	}
	return p, applied, nil
}

// ApplyReferral enlaza y acredita a ambas cuentas con las dos cuentas bloqueadas.
func (l *Ledger) ApplyReferral(ctx context.Context, newUserID, referrerID string, bonus int64) error {
	unlock := l.locks.Lock(newUserID, referrerID)
	defer unlock()

	if err := l.store.ApplyReferral(ctx, newUserID, referrerID, bonus, l.clock.Now().UTC()); err != nil {
		return fmt.Errorf("ledger.ApplyReferral: %w", err)
	}
	l.metrics.LedgerMovement(string(domain.ReasonReferralBonus), 2*bonus)
	return nil
}

func validUser(userID string) error {
	if userID == "" || userID == domain.SystemOwner {
		return &domain.ValidationError{Field: "user_id", Reason: "a user account is required"}
	}
	return nil
}
