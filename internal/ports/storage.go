package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
)

// AccountStore persiste cuentas y el diario del ledger.
// Toda mutación de saldo es condicional en SQL: nunca hay read-then-write.
type AccountStore interface {
	// CreateAccount inserta la cuenta si no existe y acredita el signup bonus.
	// Devuelve la cuenta vigente y si fue creada en esta llamada.
	CreateAccount(ctx context.Context, acc domain.Account, signupBonus int64) (domain.Account, bool, error)

	GetAccount(ctx context.Context, userID string) (domain.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (domain.Account, error)

	// Debit resta amount solo si el saldo alcanza; si no, domain.ErrInsufficientBalance.
	Debit(ctx context.Context, userID string, amount int64, reason domain.Reason, at time.Time) (int64, error)

	// Credit suma amount y registra el movimiento. Devuelve el saldo resultante.
	Credit(ctx context.Context, userID string, amount int64, reason domain.Reason, at time.Time) (int64, error)

	// ClaimBonus acredita el bonus y fija last_bonus_claim = now en la misma
	// sentencia, solo si el cooldown venció. Si no, *domain.TooSoonError.
	ClaimBonus(ctx context.Context, userID string, amount int64, now time.Time, cooldown time.Duration) (domain.Account, error)

	// ApplyReferral enlaza newUserID con referrerID y acredita a ambos en una transacción.
	ApplyReferral(ctx context.Context, newUserID, referrerID string, bonus int64, at time.Time) error

	ListLedger(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
}

// PredictionFilter restringe ListPredictions. Campos vacíos = sin filtro.
type PredictionFilter struct {
	OwnerID  string
	Statuses []domain.PredictionStatus
	Limit    int
}

// PredictionStore persiste predicciones y sus transiciones.
type PredictionStore interface {
	// InsertPredictionWithDebit descuenta el stake y guarda la predicción en
	// una sola transacción. Si el saldo no alcanza no se escribe nada.
	InsertPredictionWithDebit(ctx context.Context, p domain.Prediction) (int64, error)

	// InsertPrediction guarda una predicción sin stake (automática).
	InsertPrediction(ctx context.Context, p domain.Prediction) error

	GetPrediction(ctx context.Context, id string) (domain.Prediction, error)

	// ListPredictions devuelve las predicciones más recientes primero.
	ListPredictions(ctx context.Context, f PredictionFilter) ([]domain.Prediction, error)

	// ListActiveByExpiry recorre el índice (status, expiry_time) en orden ascendente.
	ListActiveByExpiry(ctx context.Context, before time.Time, limit int) ([]domain.Prediction, error)

	// ApplySettlement escribe el status terminal con CAS sobre status = ACTIVE
	// y acredita el payout en la misma transacción. applied es false si otra
	// liquidación ya había cerrado la predicción; en ese caso no muta nada.
	ApplySettlement(ctx context.Context, s domain.Settlement) (p domain.Prediction, applied bool, err error)

	PredictionStats(ctx context.Context, ownerID string) (domain.PredictionStats, error)
}

// Storage agrupa todo lo que el motor persiste.
type Storage interface {
	AccountStore
	PredictionStore

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
