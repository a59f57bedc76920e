package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BonusCooldown es la espera por defecto entre dos bonus diarios.
const BonusCooldown = 24 * time.Hour

// Account es el saldo de créditos de un usuario. Solo el Ledger lo muta.
type Account struct {
	UserID                string
	FreePredictions       int64 // siempre >= 0
	TotalPredictionsUsed  int64
	SuccessfulPredictions int64
	ReferralCode          string
	ReferredBy            string
	ReferralCount         int64
	ReferralEarnings      int64
	LastBonusClaim        *time.Time
	CreatedAt             time.Time
}

// NextBonusAt devuelve cuándo se puede reclamar el siguiente bonus.
// Sin reclamo previo el bonus está disponible desde siempre (zero time).
func (a Account) NextBonusAt(cooldown time.Duration) time.Time {
	if a.LastBonusClaim == nil {
		return time.Time{}
	}
	return a.LastBonusClaim.Add(cooldown)
}

// CanClaimBonus aplica el cooldown medido desde el último reclamo.
func (a Account) CanClaimBonus(now time.Time, cooldown time.Duration) bool {
	if a.LastBonusClaim == nil {
		return true
	}
	return !now.Before(a.NextBonusAt(cooldown))
}

// NewReferralCode genera un código de 8 caracteres en mayúsculas.
func NewReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Reason etiqueta cada movimiento del ledger.
type Reason string

const (
	ReasonStakeDebit    Reason = "stake_debit"
	ReasonWinPayout     Reason = "win_payout"
	ReasonDailyBonus    Reason = "daily_bonus"
	ReasonReferralBonus Reason = "referral_bonus"
	ReasonSignupBonus   Reason = "signup_bonus"
	ReasonStakeRefund   Reason = "stake_refund"
)

// CreditReason devuelve true para los motivos admitidos por Ledger.Credit.
func (r Reason) CreditReason() bool {
	switch r {
	case ReasonWinPayout, ReasonDailyBonus, ReasonReferralBonus, ReasonSignupBonus, ReasonStakeRefund:
		return true
	}
	return false
}

// LedgerEntry es una fila del diario de movimientos.
type LedgerEntry struct {
	ID           string
	UserID       string
	Amount       int64 // negativo en débitos
	Reason       Reason
	PredictionID string
	BalanceAfter int64
	CreatedAt    time.Time
}

// BonusClaim es el resultado de un reclamo de bonus aceptado.
type BonusClaim struct {
	Account     Account
	NextBonusAt time.Time
}

// BalanceView es la proyección de lectura que consume la UI.
type BalanceView struct {
	Account       Account
	CanClaimBonus bool
	NextBonusAt   time.Time
	Tier          ReferralTier
	NextTier      *ReferralTier
	ToNextTier    int64
}
