package storage

// sqlite.go: store durable del núcleo de liquidación.
//
// Estrategia:
//   - Una sola conexión (SQLite es single-writer) en modo WAL: las confirmaciones
//     concurrentes y las escrituras de ledgersync se serializan aquí, sin locks
//     en la aplicación.
//   - Montos como TEXT decimal (big.Int), nunca REAL.
//   - Timestamps como TEXT de ancho fijo en UTC: el orden lexicográfico es el
//     cronológico, así que se pueden comparar en SQL.
//   - La idempotencia vive en constraints UNIQUE (payment_tx_hash, tx_hash,
//     offer_tx_hash, market+recipient) y se expone como contrato en ports.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id                  TEXT PRIMARY KEY,
    title               TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    category            TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    resolved_outcome_id TEXT,
    betting_deadline    TEXT NOT NULL,
    resolution_time     TEXT NOT NULL,
    pool_total          TEXT NOT NULL DEFAULT '0',
    operator_address    TEXT NOT NULL DEFAULT '',
    issuer_address      TEXT NOT NULL DEFAULT '',
    escrow_tx_hash      TEXT,
    escrow_sequence     INTEGER NOT NULL DEFAULT 0,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS markets_status_deadline ON markets(status, betting_deadline);

CREATE TABLE IF NOT EXISTS outcomes (
    id            TEXT PRIMARY KEY,
    market_id     TEXT NOT NULL REFERENCES markets(id),
    key           TEXT NOT NULL,
    label         TEXT NOT NULL,
    currency      TEXT NOT NULL UNIQUE,
    total         TEXT NOT NULL DEFAULT '0',
    display_order INTEGER NOT NULL,
    UNIQUE (market_id, key)
);

CREATE TABLE IF NOT EXISTS bets (
    id               TEXT PRIMARY KEY,
    market_id        TEXT NOT NULL REFERENCES markets(id),
    outcome_id       TEXT NOT NULL REFERENCES outcomes(id),
    bettor           TEXT NOT NULL,
    amount           TEXT NOT NULL,
    weight           REAL NOT NULL DEFAULT 1.0,
    effective_amount TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    payment_tx_hash  TEXT UNIQUE,   -- un hash confirma como mucho una apuesta
    escrow_tx_hash   TEXT,
    mint_tx_hash     TEXT,
    created_at       TEXT NOT NULL,
    confirmed_at     TEXT
);

CREATE INDEX IF NOT EXISTS bets_market_status ON bets(market_id, status);

CREATE TABLE IF NOT EXISTS escrows (
    id             TEXT PRIMARY KEY,
    market_id      TEXT NOT NULL REFERENCES markets(id),
    amount         TEXT NOT NULL DEFAULT '0',
    status         TEXT NOT NULL DEFAULT 'open',
    sequence       INTEGER NOT NULL,
    cancel_after   TEXT,
    finish_after   TEXT,
    create_tx_hash TEXT NOT NULL UNIQUE,
    finish_tx_hash TEXT,
    cancel_tx_hash TEXT,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);

-- Un solo escrow abierto por mercado
CREATE UNIQUE INDEX IF NOT EXISTS escrows_one_open ON escrows(market_id) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS payouts (
    id             TEXT PRIMARY KEY,
    market_id      TEXT NOT NULL REFERENCES markets(id),
    recipient      TEXT NOT NULL,
    amount         TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    tx_hash        TEXT UNIQUE,
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    sent_at        TEXT,
    UNIQUE (market_id, recipient)
);

CREATE TABLE IF NOT EXISTS trades (
    id            TEXT PRIMARY KEY,
    market_id     TEXT NOT NULL,
    offer_tx_hash TEXT NOT NULL UNIQUE,
    account       TEXT NOT NULL DEFAULT '',
    taker_gets    TEXT NOT NULL DEFAULT '',
    taker_pays    TEXT NOT NULL DEFAULT '',
    ledger_index  INTEGER NOT NULL,
    executed_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_events (
    id           TEXT PRIMARY KEY,
    tx_hash      TEXT NOT NULL UNIQUE,
    event_type   TEXT NOT NULL,
    market_id    TEXT,
    payload      TEXT NOT NULL,
    ledger_index INTEGER NOT NULL,
    ingested_at  TEXT NOT NULL,
    tx_json      TEXT NOT NULL DEFAULT '',
    applied      INTEGER NOT NULL DEFAULT 0,
    apply_error  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS ledger_events_market ON ledger_events(market_id, ledger_index);

CREATE TABLE IF NOT EXISTS system_state (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_attributes (
    wallet      TEXT NOT NULL,
    attr_type   TEXT NOT NULL,
    label       TEXT NOT NULL,
    weight      REAL NOT NULL CHECK (weight >= 0.5 AND weight <= 3.0),
    verified_at TEXT NOT NULL,
    PRIMARY KEY (wallet, attr_type, label)
);
`

// timeLayout is fixed width so TEXT ordering matches chronological ordering.
var migrations = []string{
	`ALTER TABLE ledger_events ADD COLUMN tx_json TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE ledger_events ADD COLUMN applied INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE ledger_events ADD COLUMN apply_error TEXT NOT NULL DEFAULT ''`,
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStorage implementa ports.Storage usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada, activa WAL
// y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0) // ":memory:" vive mientras viva la conexión

	pragmas := []string{
		`PRAGMA journal_mode = WAL`, // en ":memory:" queda en "memory", es inocuo
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA synchronous = NORMAL`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage.NewSQLiteStorage: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	// Columnas agregadas después de la primera versión; fallan si ya existen.
	for _, m := range migrations {
		_, _ = db.Exec(m)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS ledger_events_unapplied ON ledger_events(applied, ledger_index)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	return &SQLiteStorage{db: db, now: time.Now}, nil
}

// SetClock overrides the clock used for updated_at / ingested_at stamps.
func (s *SQLiteStorage) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx. Inside a transaction every
// read must go through the tx: the pool has a single connection.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
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

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return fmtTime(*t)
}

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q", s)
	}
	return v, nil
}

func addAmount(stored string, delta *big.Int) (string, error) {
	cur, err := parseBig(stored)
	if err != nil {
		return "", err
	}
	return cur.Add(cur, delta).String(), nil
}

// isUniqueViolation detecta violaciones de UNIQUE / PRIMARY KEY.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", domain.ErrNotFound, what, id)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
