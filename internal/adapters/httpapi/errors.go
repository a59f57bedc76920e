package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
)

type errorDetail struct {
	Kind           string     `json:"kind"`
	Message        string     `json:"message"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindInvalidReferralCode:
		return http.StatusBadRequest
	case domain.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case domain.KindTooSoon, domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyReferred, domain.KindAlreadySettled:
		return http.StatusConflict
	case domain.KindAdapterUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError traduce un error del motor al sobre JSON público.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	detail := errorDetail{Kind: string(kind), Message: err.Error()}
	var tooSoon *domain.TooSoonError
	if errors.As(err, &tooSoon) {
		next := tooSoon.NextEligibleAt.UTC()
		detail.NextEligibleAt = &next
	}
	if status == http.StatusInternalServerError {
		slog.Error("http internal error", "err", err)
		detail.Message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http encode failed", "err", err)
	}
}
