package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type accountRow struct {
	UserID                string         `db:"user_id"`
	FreePredictions       int64          `db:"free_predictions"`
	TotalPredictionsUsed  int64          `db:"total_predictions_used"`
	SuccessfulPredictions int64          `db:"successful_predictions"`
	ReferralCode          string         `db:"referral_code"`
	ReferredBy            sql.NullString `db:"referred_by"`
	ReferralCount         int64          `db:"referral_count"`
	ReferralEarnings      int64          `db:"referral_earnings"`
	LastBonusClaim        sql.NullInt64  `db:"last_bonus_claim"`
	CreatedAt             int64          `db:"created_at"`
}

func (r accountRow) toDomain() domain.Account {
	return domain.Account{
		UserID:                r.UserID,
		FreePredictions:       r.FreePredictions,
		TotalPredictionsUsed:  r.TotalPredictionsUsed,
		SuccessfulPredictions: r.SuccessfulPredictions,
		ReferralCode:          r.ReferralCode,
		ReferredBy:            r.ReferredBy.String,
		ReferralCount:         r.ReferralCount,
		ReferralEarnings:      r.ReferralEarnings,
		LastBonusClaim:        timePtr(r.LastBonusClaim),
		CreatedAt:             fromMillis(r.CreatedAt),
	}
}

const accountColumns = `user_id, free_predictions, total_predictions_used, successful_predictions,
	referral_code, referred_by, referral_count, referral_earnings, last_bonus_claim, created_at`

type ledgerRow struct {
	ID           string         `db:"id"`
	UserID       string         `db:"user_id"`
	Amount       int64          `db:"amount"`
	Reason       string         `db:"reason"`
	PredictionID sql.NullString `db:"prediction_id"`
	BalanceAfter int64          `db:"balance_after"`
	CreatedAt    int64          `db:"created_at"`
}

// CreateAccount inserta la cuenta si no existe. El signup bonus solo se acredita al crearla.
func (s *SQLStorage) CreateAccount(ctx context.Context, acc domain.Account, signupBonus int64) (domain.Account, bool, error) {
	var created bool
	var out domain.Account
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO accounts (user_id, free_predictions, referral_code, created_at)
			VALUES (?, 0, ?, ?)
			ON CONFLICT (user_id) DO NOTHING`),
			acc.UserID, acc.ReferralCode, toMillis(acc.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		created = rowsAffected(res) == 1

		if created && signupBonus > 0 {
			if _, err := s.creditTx(ctx, tx, acc.UserID, signupBonus, domain.ReasonSignupBonus, "", acc.CreatedAt); err != nil {
				return err
			}
		}

		out, err = s.getAccount(ctx, tx, acc.UserID)
		return err
	})
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("storage.CreateAccount: %w", err)
	}
	return out, created, nil
}

// GetAccount devuelve la cuenta o domain.ErrNotFound.
func (s *SQLStorage) GetAccount(ctx context.Context, userID string) (domain.Account, error) {
	acc, err := s.getAccount(ctx, s.db, userID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("storage.GetAccount: %w", err)
	}
	return acc, nil
}

// GetAccountByReferralCode busca al dueño de un código de referido.
func (s *SQLStorage) GetAccountByReferralCode(ctx context.Context, code string) (domain.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, s.db, &row,
		s.q(`SELECT `+accountColumns+` FROM accounts WHERE referral_code = ?`), code)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("storage.GetAccountByReferralCode: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("storage.GetAccountByReferralCode: %w", err)
	}
	return row.toDomain(), nil
}

// Debit resta amount solo si el saldo alcanza.
func (s *SQLStorage) Debit(ctx context.Context, userID string, amount int64, reason domain.Reason, at time.Time) (int64, error) {
	var balance int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		balance, err = s.debitTx(ctx, tx, userID, amount, 0, reason, "", at)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage.Debit: %w", err)
	}
	return balance, nil
}

// Credit suma amount al saldo y registra el movimiento.
func (s *SQLStorage) Credit(ctx context.Context, userID string, amount int64, reason domain.Reason, at time.Time) (int64, error) {
	var balance int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		balance, err = s.creditTx(ctx, tx, userID, amount, reason, "", at)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage.Credit: %w", err)
	}
	return balance, nil
}

// ClaimBonus acredita el bonus diario si el cooldown venció, en una sola sentencia.
func (s *SQLStorage) ClaimBonus(ctx context.Context, userID string, amount int64, now time.Time, cooldown time.Duration) (domain.Account, error) {
	var out domain.Account
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		cutoff := toMillis(now.Add(-cooldown))
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE accounts
			SET free_predictions = free_predictions + ?, last_bonus_claim = ?
			WHERE user_id = ? AND (last_bonus_claim IS NULL OR last_bonus_claim <= ?)`),
			amount, toMillis(now), userID, cutoff,
		)
		if err != nil {
			return fmt.Errorf("update bonus: %w", err)
		}

		acc, err := s.getAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if rowsAffected(res) == 0 {
			return &domain.TooSoonError{NextEligibleAt: acc.NextBonusAt(cooldown)}
		}

		if err := s.insertLedger(ctx, tx, userID, amount, domain.ReasonDailyBonus, "", acc.FreePredictions, now); err != nil {
			return err
		}
		out = acc
		return nil
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("storage.ClaimBonus: %w", err)
	}
	return out, nil
}

// ApplyReferral enlaza al referido con su referidor y acredita a ambos.
// La condición referred_by IS NULL hace que solo la primera aplicación tenga efecto.
func (s *SQLStorage) ApplyReferral(ctx context.Context, newUserID, referrerID string, bonus int64, at time.Time) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE accounts SET referred_by = ?
			WHERE user_id = ? AND referred_by IS NULL`),
			referrerID, newUserID,
		)
		if err != nil {
			return fmt.Errorf("link referral: %w", err)
		}
		if rowsAffected(res) == 0 {
			if _, err := s.getAccount(ctx, tx, newUserID); err != nil {
				return err
			}
			return domain.ErrAlreadyReferred
		}

		res, err = tx.ExecContext(ctx, s.q(`
			UPDATE accounts
			SET referral_count = referral_count + 1, referral_earnings = referral_earnings + ?
			WHERE user_id = ?`),
			bonus, referrerID,
		)
		if err != nil {
			return fmt.Errorf("bump referrer: %w", err)
		}
		if rowsAffected(res) == 0 {
			return domain.ErrInvalidReferralCode
		}

		if _, err := s.creditTx(ctx, tx, newUserID, bonus, domain.ReasonReferralBonus, "", at); err != nil {
			return err
		}
		_, err = s.creditTx(ctx, tx, referrerID, bonus, domain.ReasonReferralBonus, "", at)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage.ApplyReferral: %w", err)
	}
	return nil
}

// ListLedger devuelve los últimos movimientos de un usuario, más recientes primero.
func (s *SQLStorage) ListLedger(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ledgerRow
	err := sqlx.SelectContext(ctx, s.db, &rows, s.q(`
		SELECT id, user_id, amount, reason, prediction_id, balance_after, created_at
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListLedger: %w", err)
	}

	entries := make([]domain.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, domain.LedgerEntry{
			ID:           r.ID,
			UserID:       r.UserID,
			Amount:       r.Amount,
			Reason:       domain.Reason(r.Reason),
			PredictionID: r.PredictionID.String,
			BalanceAfter: r.BalanceAfter,
			CreatedAt:    fromMillis(r.CreatedAt),
		})
	}
	return entries, nil
}

// --- helpers transaccionales ---

func (s *SQLStorage) getAccount(ctx context.Context, q sqlx.QueryerContext, userID string) (domain.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, q, &row,
		s.q(`SELECT `+accountColumns+` FROM accounts WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %q: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("select account: %w", err)
	}
	return row.toDomain(), nil
}

func (s *SQLStorage) balance(ctx context.Context, tx *sqlx.Tx, userID string) (int64, error) {
	var balance int64
	err := tx.GetContext(ctx, &balance, s.q(`SELECT free_predictions FROM accounts WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %q: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

// debitTx es el único punto donde baja un saldo. used suma a total_predictions_used.
func (s *SQLStorage) debitTx(ctx context.Context, tx *sqlx.Tx, userID string, amount, used int64, reason domain.Reason, predictionID string, at time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE accounts
		SET free_predictions = free_predictions - ?, total_predictions_used = total_predictions_used + ?
		WHERE user_id = ? AND free_predictions >= ?`),
		amount, used, userID, amount,
	)
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}
	if rowsAffected(res) == 0 {
		if _, err := s.balance(ctx, tx, userID); err != nil {
			return 0, err
		}
		return 0, domain.ErrInsufficientBalance
	}

	balance, err := s.balance(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.insertLedger(ctx, tx, userID, -amount, reason, predictionID, balance, at); err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *SQLStorage) creditTx(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, reason domain.Reason, predictionID string, at time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE accounts SET free_predictions = free_predictions + ? WHERE user_id = ?`),
		amount, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	if rowsAffected(res) == 0 {
		return 0, fmt.Errorf("account %q: %w", userID, domain.ErrNotFound)
	}

	balance, err := s.balance(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.insertLedger(ctx, tx, userID, amount, reason, predictionID, balance, at); err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *SQLStorage) insertLedger(ctx context.Context, tx *sqlx.Tx, userID string, amount int64, reason domain.Reason, predictionID string, balanceAfter int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO ledger_entries (id, user_id, amount, reason, prediction_id, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), userID, amount, string(reason), nullString(predictionID), balanceAfter, toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
