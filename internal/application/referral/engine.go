package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/criptex/internal/domain"
)

// AccountReader resuelve códigos de referido.
type AccountReader interface {
	GetAccount(ctx context.Context, userID string) (domain.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (domain.Account, error)
}

// Crediter aplica el crédito de referido a ambas cuentas (el Ledger).
type Crediter interface {
	ApplyReferral(ctx context.Context, newUserID, referrerID string, bonus int64) error
}

// Stats es la vista de referidos de un usuario.
type Stats struct {
	ReferralCode     string
	ReferralCount    int64
	ReferralEarnings int64
	ReferredBy       string
	Tier             domain.ReferralTier
	NextTier         *domain.ReferralTier
	ToNextTier       int64
	Tiers            domain.TierTable
}

// Engine es el Referral/Bonus Engine.
type Engine struct {
	tiers    domain.TierTable
	bonus    int64
	accounts AccountReader
	ledger   Crediter
}

// New crea el engine. bonus <= 0 usa 1 (valor del producto).
func New(tiers domain.TierTable, bonus int64, accounts AccountReader, ledger Crediter) *Engine {
	if len(tiers) == 0 {
		tiers = domain.DefaultReferralTiers()
	}
	if bonus <= 0 {
		bonus = 1
	}
	return &Engine{tiers: tiers.Sorted(), bonus: bonus, accounts: accounts, ledger: ledger}
}

// ApplyReferralCode enlaza newUser con el dueño del código. Una sola vez por cuenta.
func (e *Engine) ApplyReferralCode(ctx context.Context, newUser, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return fmt.Errorf("referral.ApplyReferralCode: %w", domain.ErrInvalidReferralCode)
	}

	referrer, err := e.accounts.GetAccountByReferralCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("referral.ApplyReferralCode: code %q: %w", code, domain.ErrInvalidReferralCode)
	}
	if err != nil {
		return fmt.Errorf("referral.ApplyReferralCode: %w", err)
	}
	if referrer.UserID == newUser {
		return fmt.Errorf("referral.ApplyReferralCode: self-referral: %w", domain.ErrInvalidReferralCode)
	}

	if err := e.ledger.ApplyReferral(ctx, newUser, referrer.UserID, e.bonus); err != nil {
		return fmt.Errorf("referral.ApplyReferralCode: %w", err)
	}
	slog.Info("referral applied", "user_id", newUser, "referrer", referrer.UserID, "code", code)
	return nil
}

// TierFor devuelve el nivel para un conteo de referidos.
func (e *Engine) TierFor(count int64) domain.ReferralTier {
	return e.tiers.TierFor(count)
}

// NextTier devuelve el siguiente nivel y cuántos referidos faltan.
func (e *Engine) NextTier(count int64) (domain.ReferralTier, int64, bool) {
	return e.tiers.NextTier(count)
}

// Stats arma la vista de referidos del usuario.
func (e *Engine) Stats(ctx context.Context, userID string) (Stats, error) {
	acc, err := e.accounts.GetAccount(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("referral.Stats: %w", err)
	}
	st := Stats{
		ReferralCode:     acc.ReferralCode,
		ReferralCount:    acc.ReferralCount,
		ReferralEarnings: acc.ReferralEarnings,
		ReferredBy:       acc.ReferredBy,
		Tier:             e.TierFor(acc.ReferralCount),
		Tiers:            e.tiers,
	}
	if next, remaining, ok := e.NextTier(acc.ReferralCount); ok {
		st.NextTier = &next
		st.ToNextTier = remaining
	}
	return st, nil
}
