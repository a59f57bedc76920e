package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/alejandrodnm/criptex/internal/ports"
	"github.com/jmoiron/sqlx"
)

type predictionRow struct {
	ID              string          `db:"id"`
	OwnerID         string          `db:"owner_id"`
	Symbol          string          `db:"symbol"`
	Direction       string          `db:"direction"`
	Timeframe       string          `db:"timeframe"`
	StakeAmount     int64           `db:"stake_amount"`
	EntryPrice      float64         `db:"entry_price"`
	ConfidenceScore float64         `db:"confidence_score"`
	CreatedAt       int64           `db:"created_at"`
	ExpiryTime      int64           `db:"expiry_time"`
	Status          string          `db:"status"`
	Indicators      sql.NullString  `db:"indicators"`
	Reasoning       sql.NullString  `db:"reasoning"`
	ResultPrice     sql.NullFloat64 `db:"result_price"`
	SettledAt       sql.NullInt64   `db:"settled_at"`
	Payout          int64           `db:"payout"`
}

const predictionColumns = `id, owner_id, symbol, direction, timeframe, stake_amount, entry_price,
	confidence_score, created_at, expiry_time, status, indicators, reasoning,
	result_price, settled_at, payout`

func (r predictionRow) toDomain() domain.Prediction {
	p := domain.Prediction{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Symbol:          r.Symbol,
		Direction:       domain.Direction(r.Direction),
		Timeframe:       domain.Timeframe(r.Timeframe),
		StakeAmount:     r.StakeAmount,
		EntryPrice:      r.EntryPrice,
		ConfidenceScore: r.ConfidenceScore,
		CreatedAt:       fromMillis(r.CreatedAt),
		ExpiryTime:      fromMillis(r.ExpiryTime),
		Status:          domain.PredictionStatus(r.Status),
		Reasoning:       r.Reasoning.String,
		SettledAt:       timePtr(r.SettledAt),
		Payout:          r.Payout,
	}
	if r.ResultPrice.Valid {
		v := r.ResultPrice.Float64
		p.ResultPrice = &v
	}
	if r.Indicators.Valid && r.Indicators.String != "" {
		var ind domain.Indicators
		if json.Unmarshal([]byte(r.Indicators.String), &ind) == nil {
			p.Indicators = &ind
		}
	}
	return p
}

// InsertPredictionWithDebit descuenta el stake y guarda la predicción en una transacción.
func (s *SQLStorage) InsertPredictionWithDebit(ctx context.Context, p domain.Prediction) (int64, error) {
	var balance int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		balance, err = s.debitTx(ctx, tx, p.OwnerID, p.StakeAmount, 1, domain.ReasonStakeDebit, p.ID, p.CreatedAt)
		if err != nil {
			return err
		}
		return s.insertPrediction(ctx, tx, p)
	})
	if err != nil {
		return 0, fmt.Errorf("storage.InsertPredictionWithDebit: %w", err)
	}
	return balance, nil
}

// InsertPrediction guarda una predicción sin tocar ningún saldo.
func (s *SQLStorage) InsertPrediction(ctx context.Context, p domain.Prediction) error {
	if err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.insertPrediction(ctx, tx, p)
	}); err != nil {
		return fmt.Errorf("storage.InsertPrediction: %w", err)
	}
	return nil
}

// GetPrediction devuelve una predicción por ID o domain.ErrNotFound.
func (s *SQLStorage) GetPrediction(ctx context.Context, id string) (domain.Prediction, error) {
	p, err := s.getPrediction(ctx, s.db, id)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("storage.GetPrediction: %w", err)
	}
	return p, nil
}

// ListPredictions aplica el filtro y ordena por created_at desc.
func (s *SQLStorage) ListPredictions(ctx context.Context, f ports.PredictionFilter) ([]domain.Prediction, error) {
	var where []string
	var args []any

	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status IN (?)")
		args = append(args, statuses)
	}

	query := `SELECT ` + predictionColumns + ` FROM predictions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPredictions: expand: %w", err)
	}

	var rows []predictionRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("storage.ListPredictions: %w", err)
	}
	return toPredictions(rows), nil
}

// ListActiveByExpiry devuelve predicciones ACTIVE con expiry < before, las más próximas primero.
// Un before zero recorre todas las activas.
func (s *SQLStorage) ListActiveByExpiry(ctx context.Context, before time.Time, limit int) ([]domain.Prediction, error) {
	query := `SELECT ` + predictionColumns + ` FROM predictions WHERE status = ?`
	args := []any{string(domain.StatusActive)}
	if !before.IsZero() {
		query += ` AND expiry_time < ?`
		args = append(args, toMillis(before))
	}
	query += ` ORDER BY expiry_time ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []predictionRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("storage.ListActiveByExpiry: %w", err)
	}
	return toPredictions(rows), nil
}

// ApplySettlement hace CAS sobre status = ACTIVE y acredita el payout en la misma transacción.
func (s *SQLStorage) ApplySettlement(ctx context.Context, st domain.Settlement) (domain.Prediction, bool, error) {
	var out domain.Prediction
	var applied bool

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var resultPrice sql.NullFloat64
		if st.ResultPrice != nil {
			resultPrice = sql.NullFloat64{Float64: *st.ResultPrice, Valid: true}
		}

		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE predictions
			SET status = ?, result_price = ?, settled_at = ?, payout = ?
			WHERE id = ? AND status = ?`),
			string(st.Status), resultPrice, toMillis(st.SettledAt), st.Payout,
			st.PredictionID, string(domain.StatusActive),
		)
		if err != nil {
			return fmt.Errorf("cas status: %w", err)
		}
		applied = rowsAffected(res) == 1

		if applied && st.OwnerID != domain.SystemOwner {
			if st.Status == domain.StatusWon {
				if _, err := tx.ExecContext(ctx, s.q(`
					UPDATE accounts SET successful_predictions = successful_predictions + 1
					WHERE user_id = ?`), st.OwnerID); err != nil {
					return fmt.Errorf("bump successful: %w", err)
				}
			}
			if st.Payout > 0 {
				if _, err := s.creditTx(ctx, tx, st.OwnerID, st.Payout, st.PayoutReason, st.PredictionID, st.SettledAt); err != nil {
					return err
				}
			}
		}

		out, err = s.getPrediction(ctx, tx, st.PredictionID)
		return err
	})
	if err != nil {
		return domain.Prediction{}, false, fmt.Errorf("storage.ApplySettlement: %w", err)
	}
	return out, applied, nil
}

type statsRow struct {
	Status string `db:"status"`
	Count  int    `db:"n"`
	Staked int64  `db:"staked"`
	Payout int64  `db:"paid"`
}

// PredictionStats agrega conteos por status para un dueño.
func (s *SQLStorage) PredictionStats(ctx context.Context, ownerID string) (domain.PredictionStats, error) {
	var rows []statsRow
	err := sqlx.SelectContext(ctx, s.db, &rows, s.q(`
		SELECT status, COUNT(*) AS n,
		       COALESCE(SUM(stake_amount), 0) AS staked,
		       COALESCE(SUM(payout), 0) AS paid
		FROM predictions
		WHERE owner_id = ?
		GROUP BY status`), ownerID)
	if err != nil {
		return domain.PredictionStats{}, fmt.Errorf("storage.PredictionStats: %w", err)
	}

	stats := domain.PredictionStats{OwnerID: ownerID}
	for _, r := range rows {
		stats.Total += r.Count
		stats.TotalStaked += r.Staked
		stats.TotalPayout += r.Payout
		switch domain.PredictionStatus(r.Status) {
		case domain.StatusActive:
			stats.Active = r.Count
		case domain.StatusWon:
			stats.Won = r.Count
		case domain.StatusLost:
			stats.Lost = r.Count
		case domain.StatusExpiredNoData:
			stats.NoData = r.Count
		}
	}
	return stats, nil
}

// --- helpers internos ---

func (s *SQLStorage) insertPrediction(ctx context.Context, tx *sqlx.Tx, p domain.Prediction) error {
	var indicators sql.NullString
	if p.Indicators != nil {
		b, err := json.Marshal(p.Indicators)
		if err != nil {
			return fmt.Errorf("marshal indicators: %w", err)
		}
		indicators = sql.NullString{String: string(b), Valid: true}
	}

	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO predictions (id, owner_id, symbol, direction, timeframe, stake_amount,
		                         entry_price, confidence_score, created_at, expiry_time,
		                         status, indicators, reasoning)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.OwnerID, p.Symbol, string(p.Direction), string(p.Timeframe), p.StakeAmount,
		p.EntryPrice, p.ConfidenceScore, toMillis(p.CreatedAt), toMillis(p.ExpiryTime),
		string(p.Status), indicators, nullString(p.Reasoning),
	)
	if err != nil {
		return fmt.Errorf("insert prediction %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLStorage) getPrediction(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Prediction, error) {
	var row predictionRow
	err := sqlx.GetContext(ctx, q, &row, s.q(`SELECT `+predictionColumns+` FROM predictions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Prediction{}, fmt.Errorf("prediction %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("select prediction: %w", err)
	}
	return row.toDomain(), nil
}

func toPredictions(rows []predictionRow) []domain.Prediction {
	out := make([]domain.Prediction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}
