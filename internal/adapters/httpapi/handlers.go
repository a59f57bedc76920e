package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/gorilla/mux"
)

const maxLimit = 200

type predictionDTO struct {
	ID              string             `json:"id"`
	OwnerID         string             `json:"owner_id"`
	Symbol          string             `json:"symbol"`
	Direction       string             `json:"direction"`
	Timeframe       string             `json:"timeframe"`
	StakeAmount     int64              `json:"stake_amount"`
	EntryPrice      float64            `json:"entry_price"`
	ConfidenceScore float64            `json:"confidence_score"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiryTime      time.Time          `json:"expiry_time"`
	Status          string             `json:"status"`
	Indicators      *domain.Indicators `json:"indicators,omitempty"`
	Reasoning       string             `json:"reasoning,omitempty"`
	ResultPrice     *float64           `json:"result_price,omitempty"`
	SettledAt       *time.Time         `json:"settled_at,omitempty"`
	Payout          int64              `json:"payout"`
}

func toDTO(p domain.Prediction) predictionDTO {
	return predictionDTO{
		ID:              p.ID,
		OwnerID:         p.OwnerID,
		Symbol:          p.Symbol,
		Direction:       string(p.Direction),
		Timeframe:       string(p.Timeframe),
		StakeAmount:     p.StakeAmount,
		EntryPrice:      p.EntryPrice,
		ConfidenceScore: p.ConfidenceScore,
		CreatedAt:       p.CreatedAt,
		ExpiryTime:      p.ExpiryTime,
		Status:          string(p.Status),
		Indicators:      p.Indicators,
		Reasoning:       p.Reasoning,
		ResultPrice:     p.ResultPrice,
		SettledAt:       p.SettledAt,
		Payout:          p.Payout,
	}
}

func toDTOs(ps []domain.Prediction) []predictionDTO {
	out := make([]predictionDTO, 0, len(ps))
	for _, p := range ps {
		out = append(out, toDTO(p))
	}
	return out
}

// limitParam lee ?limit=; 0 deja el default del servicio.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, &domain.ValidationError{Field: "limit", Reason: fmt.Sprintf("must be 1..%d", maxLimit)}
	}
	return n, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

type createPredictionRequest struct {
	Symbol      string `json:"symbol"`
	Direction   string `json:"direction"`
	Timeframe   string `json:"timeframe"`
	StakeAmount int64  `json:"stake_amount"`
}

func (s *Server) createPrediction(w http.ResponseWriter, r *http.Request) {
	var body createPredictionRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.predictions.CreateManual(r.Context(), domain.ManualRequest{
		OwnerID:   userFrom(r.Context()),
		Symbol:    body.Symbol,
		Direction: body.Direction,
		Timeframe: body.Timeframe,
		Stake:     body.StakeAmount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(p))
}

func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ps, err := s.predictions.ListActive(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTOs(ps))
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ps, err := s.predictions.ListHistory(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTOs(ps))
}

func (s *Server) getPrediction(w http.ResponseWriter, r *http.Request) {
	p, err := s.predictions.Get(r.Context(), userFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(p))
}

type statsDTO struct {
	Total       int     `json:"total"`
	Active      int     `json:"active"`
	Won         int     `json:"won"`
	Lost        int     `json:"lost"`
	NoData      int     `json:"expired_no_data"`
	Accuracy    float64 `json:"accuracy"`
	TotalStaked int64   `json:"total_staked"`
	TotalPayout int64   `json:"total_payout"`
}

func (s *Server) predictionStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.predictions.Stats(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsDTO{
		Total:       st.Total,
		Active:      st.Active,
		Won:         st.Won,
		Lost:        st.Lost,
		NoData:      st.NoData,
		Accuracy:    st.Accuracy(),
		TotalStaked: st.TotalStaked,
		TotalPayout: st.TotalPayout,
	})
}

func (s *Server) listAutomatic(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ps, err := s.predictions.ListAutomatic(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTOs(ps))
}

type generateRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

func (s *Server) generateNow(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.onDemand.GenerateNow(r.Context(), userFrom(r.Context()), body.Symbol, body.Timeframe)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(p))
}

type tierDTO struct {
	Label      string  `json:"label"`
	Threshold  int64   `json:"threshold"`
	Multiplier float64 `json:"multiplier"`
}

func toTier(t domain.ReferralTier) tierDTO {
	return tierDTO{Label: t.Label, Threshold: t.Threshold, Multiplier: t.Multiplier}
}

type accountDTO struct {
	UserID                string     `json:"user_id"`
	FreePredictions       int64      `json:"free_predictions"`
	TotalPredictionsUsed  int64      `json:"total_predictions_used"`
	SuccessfulPredictions int64      `json:"successful_predictions"`
	ReferralCode          string     `json:"referral_code"`
	ReferralCount         int64      `json:"referral_count"`
	CanClaimBonus         bool       `json:"can_claim_bonus"`
	NextBonusAt           *time.Time `json:"next_bonus_at,omitempty"`
	Tier                  tierDTO    `json:"tier"`
	NextTier              *tierDTO   `json:"next_tier,omitempty"`
	ToNextTier            int64      `json:"to_next_tier"`
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	v, err := s.accounts.Balance(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	dto := accountDTO{
		UserID:                v.Account.UserID,
		FreePredictions:       v.Account.FreePredictions,
		TotalPredictionsUsed:  v.Account.TotalPredictionsUsed,
		SuccessfulPredictions: v.Account.SuccessfulPredictions,
		ReferralCode:          v.Account.ReferralCode,
		ReferralCount:         v.Account.ReferralCount,
		CanClaimBonus:         v.CanClaimBonus,
		Tier:                  toTier(v.Tier),
		ToNextTier:            v.ToNextTier,
	}
	if !v.NextBonusAt.IsZero() {
		next := v.NextBonusAt.UTC()
		dto.NextBonusAt = &next
	}
	if v.NextTier != nil {
		nt := toTier(*v.NextTier)
		dto.NextTier = &nt
	}
	writeJSON(w, http.StatusOK, dto)
}

type ledgerEntryDTO struct {
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason"`
	PredictionID string    `json:"prediction_id,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Server) ledger(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.accounts.History(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ledgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryDTO{
			Amount:       e.Amount,
			Reason:       string(e.Reason),
			PredictionID: e.PredictionID,
			BalanceAfter: e.BalanceAfter,
			CreatedAt:    e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type bonusDTO struct {
	FreePredictions int64     `json:"free_predictions"`
	NextBonusAt     time.Time `json:"next_bonus_at"`
}

func (s *Server) claimBonus(w http.ResponseWriter, r *http.Request) {
	claim, err := s.accounts.ClaimDailyBonus(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bonusDTO{FreePredictions: claim.Account.FreePredictions, NextBonusAt: claim.NextBonusAt.UTC()})
}

type referralStatsDTO struct {
	ReferralCode     string    `json:"referral_code"`
	ReferralCount    int64     `json:"referral_count"`
	ReferralEarnings int64     `json:"referral_earnings"`
	ReferredBy       string    `json:"referred_by,omitempty"`
	Tier             tierDTO   `json:"tier"`
	NextTier         *tierDTO  `json:"next_tier,omitempty"`
	ToNextTier       int64     `json:"to_next_tier"`
	Tiers            []tierDTO `json:"tiers"`
}

func (s *Server) referralStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.referrals.Stats(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	dto := referralStatsDTO{
		ReferralCode:     st.ReferralCode,
		ReferralCount:    st.ReferralCount,
		ReferralEarnings: st.ReferralEarnings,
		ReferredBy:       st.ReferredBy,
		Tier:             toTier(st.Tier),
		ToNextTier:       st.ToNextTier,
	}
	if st.NextTier != nil {
		nt := toTier(*st.NextTier)
		dto.NextTier = &nt
	}
	for _, t := range st.Tiers {
		dto.Tiers = append(dto.Tiers, toTier(t))
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) useReferral(w http.ResponseWriter, r *http.Request) {
	if err := s.referrals.ApplyReferralCode(r.Context(), userFrom(r.Context()), mux.Vars(r)["code"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}
