// Package storage persists vault configuration, aggregate totals and the
// operation journal in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrPathRequired is returned when no database path is configured.
var ErrPathRequired = errors.New("storage: database path must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS vault_state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  mint_cap TEXT NOT NULL,
  mint_fee_bps INTEGER NOT NULL,
  redeem_fee_bps INTEGER NOT NULL,
  max_oracle_delay_ms INTEGER NOT NULL,
  public INTEGER NOT NULL,
  total_minted TEXT NOT NULL,
  operators TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  caller TEXT NOT NULL,
  receiver TEXT NOT NULL,
  owner TEXT NOT NULL,
  amount_in TEXT NOT NULL,
  amount_out TEXT NOT NULL,
  fee TEXT NOT NULL,
  price TEXT NOT NULL,
  price_decimals INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at);
`

// State is the persisted vault configuration and aggregate totals. Integer
// amounts are decimal strings.
type State struct {
	MintCap        string
	MintFeeBps     uint32
	RedeemFeeBps   uint32
	MaxOracleDelay time.Duration
	Public         bool
	TotalMinted    string
	Operators      []string
	UpdatedAt      time.Time
}

// Operation is a committed deposit or redemption.
type Operation struct {
	ID            string
	Kind          string
	Caller        string
	Receiver      string
	Owner         string
	AmountIn      string
	AmountOut     string
	Fee           string
	Price         string
	PriceDecimals uint8
	CreatedAt     time.Time
}

// Storage wraps the SQLite database.
type Storage struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*Storage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrPathRequired
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveState replaces the persisted vault state.
func (s *Storage) SaveState(ctx context.Context, state State) error {
	return saveState(ctx, s.db, state)
}

// LoadState returns the persisted state, reporting false when none exists.
func (s *Storage) LoadState(ctx context.Context) (State, bool, error) {
	var (
		st        State
		delayMs   int64
		public    int
		operators string
		updated   int64
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT mint_cap, mint_fee_bps, redeem_fee_bps, max_oracle_delay_ms, public, total_minted, operators, updated_at
		FROM vault_state WHERE id = 1
	`)
	err := row.Scan(&st.MintCap, &st.MintFeeBps, &st.RedeemFeeBps, &delayMs, &public, &st.TotalMinted, &operators, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("query vault state: %w", err)
	}
	st.MaxOracleDelay = time.Duration(delayMs) * time.Millisecond
	st.Public = public != 0
	if operators != "" {
		st.Operators = strings.Split(operators, ",")
	}
	st.UpdatedAt = time.UnixMilli(updated).UTC()
	return st, true, nil
}

// CommitOperation saves state and journals op in one transaction.
func (s *Storage) CommitOperation(ctx context.Context, state State, op Operation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := saveState(ctx, tx, state); err != nil {
		return err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations(id, kind, caller, receiver, owner, amount_in, amount_out, fee, price, price_decimals, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Kind, op.Caller, op.Receiver, op.Owner, op.AmountIn, op.AmountOut, op.Fee, op.Price, op.PriceDecimals, op.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Operations returns up to limit journal entries, newest first.
func (s *Storage) Operations(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, caller, receiver, owner, amount_in, amount_out, fee, price, price_decimals, created_at
		FROM operations
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()
	ops := make([]Operation, 0)
	for rows.Next() {
		var (
			op      Operation
			created int64
		)
		if err := rows.Scan(&op.ID, &op.Kind, &op.Caller, &op.Receiver, &op.Owner, &op.AmountIn, &op.AmountOut, &op.Fee, &op.Price, &op.PriceDecimals, &created); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.CreatedAt = time.UnixMilli(created).UTC()
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveState(ctx context.Context, db execer, state State) error {
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	public := 0
	if state.Public {
		public = 1
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO vault_state(id, mint_cap, mint_fee_bps, redeem_fee_bps, max_oracle_delay_ms, public, total_minted, operators, updated_at)
		VALUES(1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  mint_cap = excluded.mint_cap,
		  mint_fee_bps = excluded.mint_fee_bps,
		  redeem_fee_bps = excluded.redeem_fee_bps,
		  max_oracle_delay_ms = excluded.max_oracle_delay_ms,
		  public = excluded.public,
		  total_minted = excluded.total_minted,
		  operators = excluded.operators,
		  updated_at = excluded.updated_at
	`, state.MintCap, state.MintFeeBps, state.RedeemFeeBps, state.MaxOracleDelay.Milliseconds(), public, state.TotalMinted, strings.Join(state.Operators, ","), updated.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save vault state: %w", err)
	}
	return nil
}
