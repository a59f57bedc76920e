package domain

import (
	"errors"
	"fmt"
	"time"
)

// Errores del motor. Los adapters y servicios los envuelven con %w;
// los consumidores los distinguen con errors.Is / errors.As.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidReferralCode = errors.New("invalid referral code")
	ErrAlreadyReferred     = errors.New("already referred")
	ErrAdapterUnavailable  = errors.New("adapter unavailable")
	ErrAlreadySettled      = errors.New("already settled")
	ErrRateLimited         = errors.New("rate limited")
	ErrNotFound            = errors.New("not found")
)

// ErrorKind es la etiqueta estable que ve el cliente de la API.
type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationError"
	KindInsufficientBalance ErrorKind = "InsufficientBalance"
	KindTooSoon             ErrorKind = "TooSoon"
	KindInvalidReferralCode ErrorKind = "InvalidReferralCode"
	KindAlreadyReferred     ErrorKind = "AlreadyReferred"
	KindAdapterUnavailable  ErrorKind = "AdapterUnavailable"
	KindAlreadySettled      ErrorKind = "AlreadySettled"
	KindRateLimited         ErrorKind = "RateLimited"
	KindNotFound            ErrorKind = "NotFound"
	KindInternal            ErrorKind = "Internal"
)

// ValidationError se devuelve antes de cualquier efecto secundario.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TooSoonError indica que el bonus diario aún no está disponible.
type TooSoonError struct {
	NextEligibleAt time.Time
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("daily bonus not available until %s", e.NextEligibleAt.UTC().Format(time.RFC3339))
}

// KindOf clasifica un error en la taxonomía pública.
func KindOf(err error) ErrorKind {
	var verr *ValidationError
	var tooSoon *TooSoonError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return KindValidation
	case errors.As(err, &tooSoon):
		return KindTooSoon
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrInvalidReferralCode):
		return KindInvalidReferralCode
	case errors.Is(err, ErrAlreadyReferred):
		return KindAlreadyReferred
	case errors.Is(err, ErrAdapterUnavailable):
		return KindAdapterUnavailable
	case errors.Is(err, ErrAlreadySettled):
		return KindAlreadySettled
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
