package storage

// sqlite.go: almacenamiento del motor sobre database/sql + sqlx.
//
// Estrategia:
//   - `accounts`: una fila por usuario. El saldo solo cambia con UPDATE
//     condicionales (free_predictions >= ?), así el chequeo y el débito son
//     la misma sentencia y no hay ventana read-then-write.
//   - `predictions`: nunca se borran. El índice (status, expiry_time) es la
//     fuente de verdad del scheduler tras un reinicio.
//   - `ledger_entries`: diario append-only de cada movimiento de saldo.
//   - Tiempos como unix millis (BIGINT): mismo SQL en SQLite y Postgres.
//
// Driver por defecto: modernc.org/sqlite (pure Go, sin CGo). Con driver
// "postgres" se usa lib/pq y sqlx.Rebind traduce los placeholders.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id                TEXT PRIMARY KEY,
    free_predictions       BIGINT NOT NULL DEFAULT 0 CHECK (free_predictions >= 0),
    total_predictions_used BIGINT NOT NULL DEFAULT 0,
    successful_predictions BIGINT NOT NULL DEFAULT 0,
    referral_code          TEXT   NOT NULL UNIQUE,
    referred_by            TEXT,
    referral_count         BIGINT NOT NULL DEFAULT 0,
    referral_earnings      BIGINT NOT NULL DEFAULT 0,
    last_bonus_claim       BIGINT,
    created_at             BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS predictions (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT   NOT NULL,
    symbol           TEXT   NOT NULL,
    direction        TEXT   NOT NULL,
    timeframe        TEXT   NOT NULL,
    stake_amount     BIGINT NOT NULL DEFAULT 0,
    entry_price      DOUBLE PRECISION NOT NULL,
    confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at       BIGINT NOT NULL,
    expiry_time      BIGINT NOT NULL,
    status           TEXT   NOT NULL DEFAULT 'ACTIVE',
    indicators       TEXT,
    reasoning        TEXT,
    result_price     DOUBLE PRECISION,
    settled_at       BIGINT,
    payout           BIGINT NOT NULL DEFAULT 0,
    CHECK (expiry_time > created_at)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id            TEXT PRIMARY KEY,
    user_id       TEXT   NOT NULL,
    amount        BIGINT NOT NULL,
    reason        TEXT   NOT NULL,
    prediction_id TEXT,
    balance_after BIGINT NOT NULL,
    created_at    BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_predictions_status_expiry ON predictions(status, expiry_time);
CREATE INDEX IF NOT EXISTS idx_predictions_owner_created ON predictions(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_user_created      ON ledger_entries(user_id, created_at DESC);
`

// SQLStorage implementa ports.Storage.
type SQLStorage struct {
	db *sqlx.DB
}

// NewSQLiteStorage abre (o crea) la base SQLite en la ruta dada (":memory:" para tests).
func NewSQLiteStorage(path string) (*SQLStorage, error) {
	return New("sqlite", path)
}

// New abre la base con el driver indicado ("sqlite" o "postgres") y aplica el schema.
func New(driver, dsn string) (*SQLStorage, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.New: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite es single-writer
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.New: apply schema: %w", err)
	}
	return &SQLStorage{db: db}, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// q adapta los placeholders "?" al driver.
func (s *SQLStorage) q(query string) string {
	return s.db.Rebind(query)
}

// inTx ejecuta fn dentro de una transacción; rollback si fn devuelve error.
func (s *SQLStorage) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- helpers internos ---

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
