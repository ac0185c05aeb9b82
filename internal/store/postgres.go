package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/treasury-engine/internal/model"
)

// postgresSchema creates the tables used by PostgresStore.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS asset_positions (
	asset             TEXT PRIMARY KEY,
	last_balance      NUMERIC NOT NULL DEFAULT 0,
	net_gain          NUMERIC NOT NULL DEFAULT 0,
	net_debt          NUMERIC NOT NULL DEFAULT 0,
	borrow_balance    NUMERIC NOT NULL DEFAULT 0,
	collateral_factor NUMERIC NOT NULL DEFAULT 0,
	registered_at     TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS wallet_balances (
	asset  TEXT PRIMARY KEY,
	amount NUMERIC NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS engine_state (
	id             INTEGER PRIMARY KEY,
	cooldown_start TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS engine_params (
	id                    INTEGER PRIMARY KEY,
	liquidation_threshold NUMERIC NOT NULL,
	liquidation_check     BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS state_snapshots (
	name       TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS journal_entries (
	id             UUID PRIMARY KEY,
	op             TEXT NOT NULL,
	asset          TEXT NOT NULL,
	caller         TEXT NOT NULL,
	requested      NUMERIC NOT NULL,
	amount         NUMERIC NOT NULL,
	last_balance   NUMERIC NOT NULL,
	net_gain       NUMERIC NOT NULL,
	net_debt       NUMERIC NOT NULL,
	borrow_balance NUMERIC NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_asset_ts ON journal_entries (asset, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.AssetPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO asset_positions (asset, last_balance, net_gain, net_debt, borrow_balance, collateral_factor, registered_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (asset) DO UPDATE
		 SET last_balance = EXCLUDED.last_balance, net_gain = EXCLUDED.net_gain,
		     net_debt = EXCLUDED.net_debt, borrow_balance = EXCLUDED.borrow_balance,
		     collateral_factor = EXCLUDED.collateral_factor, updated_at = EXCLUDED.updated_at`,
		p.Asset,
		p.LastBalance.String(), p.NetGain.String(), p.NetDebt.String(),
		p.BorrowBalance.String(), p.CollateralFactor.String(),
		p.RegisteredAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, asset string) (*model.AssetPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT asset, last_balance::TEXT, net_gain::TEXT, net_debt::TEXT,
		        borrow_balance::TEXT, collateral_factor::TEXT, registered_at, updated_at
		 FROM asset_positions WHERE asset = $1`, asset)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", asset, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", asset, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.AssetPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset, last_balance::TEXT, net_gain::TEXT, net_debt::TEXT,
		        borrow_balance::TEXT, collateral_factor::TEXT, registered_at, updated_at
		 FROM asset_positions ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.AssetPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) DeletePosition(ctx context.Context, asset string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM asset_positions WHERE asset = $1`, asset)
	return err
}

func (s *PostgresStore) SaveBalance(ctx context.Context, b model.Balance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallet_balances (asset, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (asset) DO UPDATE SET amount = EXCLUDED.amount`,
		b.Asset, b.Amount.String(),
	)
	return err
}

func (s *PostgresStore) ListBalances(ctx context.Context) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx, `SELECT asset, amount::TEXT FROM wallet_balances ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		var amountS string
		if err := rows.Scan(&b.Asset, &amountS); err != nil {
			return nil, err
		}
		var c columns
		b.Amount = c.decimal("amount", amountS)
		if c.err != nil {
			return nil, fmt.Errorf("balance %s: %w", b.Asset, c.err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) SaveCooldown(ctx context.Context, c model.CooldownState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_state (id, cooldown_start) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET cooldown_start = EXCLUDED.cooldown_start`,
		c.Start,
	)
	return err
}

func (s *PostgresStore) GetCooldown(ctx context.Context) (model.CooldownState, error) {
	var start *time.Time
	err := s.pool.QueryRow(ctx, `SELECT cooldown_start FROM engine_state WHERE id = 1`).Scan(&start)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CooldownState{}, nil
	}
	if err != nil {
		return model.CooldownState{}, fmt.Errorf("get cooldown: %w", err)
	}
	return model.CooldownState{Start: start}, nil
}

func (s *PostgresStore) SaveParams(ctx context.Context, p model.Params) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_params (id, liquidation_threshold, liquidation_check) VALUES (1, $1::NUMERIC, $2)
		 ON CONFLICT (id) DO UPDATE
		 SET liquidation_threshold = EXCLUDED.liquidation_threshold, liquidation_check = EXCLUDED.liquidation_check`,
		p.LiquidationWarningThreshold.String(), p.LiquidationCheck,
	)
	return err
}

func (s *PostgresStore) GetParams(ctx context.Context) (model.Params, error) {
	var p model.Params
	var thresholdS string
	err := s.pool.QueryRow(ctx,
		`SELECT liquidation_threshold::TEXT, liquidation_check FROM engine_params WHERE id = 1`,
	).Scan(&thresholdS, &p.LiquidationCheck)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Params{}, fmt.Errorf("params: %w", ErrNotFound)
	}
	if err != nil {
		return model.Params{}, fmt.Errorf("get params: %w", err)
	}
	var c columns
	p.LiquidationWarningThreshold = c.decimal("liquidation_threshold", thresholdS)
	if c.err != nil {
		return model.Params{}, fmt.Errorf("get params: %w", c.err)
	}
	return p, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO state_snapshots (name, data, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		name, data,
	)
	return err
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM state_snapshots WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", name, err)
	}
	return data, nil
}

func (s *PostgresStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, op, asset, caller, requested, amount, last_balance, net_gain, net_debt, borrow_balance, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		e.ID, string(e.Op), e.Asset, e.Caller,
		e.Requested.String(), e.Amount.String(),
		e.LastBalance.String(), e.NetGain.String(), e.NetDebt.String(), e.BorrowBalance.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetJournalEntriesByAsset(ctx context.Context, asset string) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, op, asset, caller, requested::TEXT, amount::TEXT,
		        last_balance::TEXT, net_gain::TEXT, net_debt::TEXT, borrow_balance::TEXT, timestamp
		 FROM journal_entries WHERE asset = $1 ORDER BY timestamp`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*model.AssetPosition, error) {
	var p model.AssetPosition
	var lastS, gainS, debtS, borrowS, cfS string
	if err := row.Scan(&p.Asset, &lastS, &gainS, &debtS, &borrowS, &cfS, &p.RegisteredAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var c columns
	p.LastBalance = c.decimal("last_balance", lastS)
	p.NetGain = c.decimal("net_gain", gainS)
	p.NetDebt = c.decimal("net_debt", debtS)
	p.BorrowBalance = c.decimal("borrow_balance", borrowS)
	p.CollateralFactor = c.decimal("collateral_factor", cfS)
	if c.err != nil {
		return nil, fmt.Errorf("position %s: %w", p.Asset, c.err)
	}
	return &p, nil
}

// scanJournalEntries reads rows into JournalEntry slices.
type journalRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanJournalEntries(rows journalRows) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var op, reqS, amtS, lastS, gainS, debtS, borrowS string

		if err := rows.Scan(&e.ID, &op, &e.Asset, &e.Caller, &reqS, &amtS,
			&lastS, &gainS, &debtS, &borrowS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Op = model.Op(op)
		var c columns
		e.Requested = c.decimal("requested", reqS)
		e.Amount = c.decimal("amount", amtS)
		e.LastBalance = c.decimal("last_balance", lastS)
		e.NetGain = c.decimal("net_gain", gainS)
		e.NetDebt = c.decimal("net_debt", debtS)
		e.BorrowBalance = c.decimal("borrow_balance", borrowS)
		if c.err != nil {
			return nil, fmt.Errorf("journal entry %s: %w", e.ID, c.err)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
