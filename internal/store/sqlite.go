package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/atmx/treasury-engine/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite file for single-node
// deployments. Decimals and timestamps are stored as TEXT.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS asset_positions (
			asset TEXT PRIMARY KEY,
			last_balance TEXT NOT NULL,
			net_gain TEXT NOT NULL,
			net_debt TEXT NOT NULL,
			borrow_balance TEXT NOT NULL,
			collateral_factor TEXT NOT NULL,
			registered_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS wallet_balances (
			asset TEXT PRIMARY KEY,
			amount TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS engine_state (
			id INTEGER PRIMARY KEY,
			cooldown_start TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS engine_params (
			id INTEGER PRIMARY KEY,
			liquidation_threshold TEXT NOT NULL,
			liquidation_check INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS state_snapshots (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS journal_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			op TEXT NOT NULL,
			asset TEXT NOT NULL,
			caller TEXT NOT NULL,
			requested TEXT NOT NULL,
			amount TEXT NOT NULL,
			last_balance TEXT NOT NULL,
			net_gain TEXT NOT NULL,
			net_debt TEXT NOT NULL,
			borrow_balance TEXT NOT NULL,
			timestamp TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_asset ON journal_entries(asset, seq);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SavePosition(ctx context.Context, p *model.AssetPosition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO asset_positions (asset, last_balance, net_gain, net_debt, borrow_balance, collateral_factor, registered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(asset) DO UPDATE SET
		   last_balance = excluded.last_balance, net_gain = excluded.net_gain,
		   net_debt = excluded.net_debt, borrow_balance = excluded.borrow_balance,
		   collateral_factor = excluded.collateral_factor, updated_at = excluded.updated_at`,
		p.Asset,
		p.LastBalance.String(), p.NetGain.String(), p.NetDebt.String(),
		p.BorrowBalance.String(), p.CollateralFactor.String(),
		formatTime(p.RegisteredAt), formatTime(p.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetPosition(ctx context.Context, asset string) (*model.AssetPosition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT asset, last_balance, net_gain, net_debt, borrow_balance, collateral_factor, registered_at, updated_at
		 FROM asset_positions WHERE asset = ?`, asset)
	p, err := scanSQLitePosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", asset, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", asset, err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context) ([]model.AssetPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset, last_balance, net_gain, net_debt, borrow_balance, collateral_factor, registered_at, updated_at
		 FROM asset_positions ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.AssetPosition
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) DeletePosition(ctx context.Context, asset string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM asset_positions WHERE asset = ?`, asset)
	return err
}

func (s *SQLiteStore) SaveBalance(ctx context.Context, b model.Balance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallet_balances (asset, amount) VALUES (?, ?)
		 ON CONFLICT(asset) DO UPDATE SET amount = excluded.amount`,
		b.Asset, b.Amount.String(),
	)
	return err
}

func (s *SQLiteStore) ListBalances(ctx context.Context) ([]model.Balance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset, amount FROM wallet_balances ORDER BY asset`)
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

func (s *SQLiteStore) SaveCooldown(ctx context.Context, c model.CooldownState) error {
	var start sql.NullString
	if c.Start != nil {
		start = sql.NullString{String: formatTime(*c.Start), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_state (id, cooldown_start) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET cooldown_start = excluded.cooldown_start`,
		start,
	)
	return err
}

func (s *SQLiteStore) GetCooldown(ctx context.Context) (model.CooldownState, error) {
	var start sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT cooldown_start FROM engine_state WHERE id = 1`).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !start.Valid) {
		return model.CooldownState{}, nil
	}
	if err != nil {
		return model.CooldownState{}, fmt.Errorf("get cooldown: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, start.String)
	if err != nil {
		return model.CooldownState{}, fmt.Errorf("parse cooldown start: %w", err)
	}
	return model.CooldownState{Start: &t}, nil
}

func (s *SQLiteStore) SaveParams(ctx context.Context, p model.Params) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_params (id, liquidation_threshold, liquidation_check) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   liquidation_threshold = excluded.liquidation_threshold, liquidation_check = excluded.liquidation_check`,
		p.LiquidationWarningThreshold.String(), p.LiquidationCheck,
	)
	return err
}

func (s *SQLiteStore) GetParams(ctx context.Context) (model.Params, error) {
	var p model.Params
	var thresholdS string
	err := s.db.QueryRowContext(ctx,
		`SELECT liquidation_threshold, liquidation_check FROM engine_params WHERE id = 1`,
	).Scan(&thresholdS, &p.LiquidationCheck)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_snapshots (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		name, data, formatTime(time.Now()),
	)
	return err
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM state_snapshots WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", name, err)
	}
	return data, nil
}

func (s *SQLiteStore) InsertJournalEntry(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal_entries (id, op, asset, caller, requested, amount, last_balance, net_gain, net_debt, borrow_balance, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Op), e.Asset, e.Caller,
		e.Requested.String(), e.Amount.String(),
		e.LastBalance.String(), e.NetGain.String(), e.NetDebt.String(), e.BorrowBalance.String(),
		formatTime(e.Timestamp),
	)
	return err
}

func (s *SQLiteStore) GetJournalEntriesByAsset(ctx context.Context, asset string) ([]model.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op, asset, caller, requested, amount, last_balance, net_gain, net_debt, borrow_balance, timestamp
		 FROM journal_entries WHERE asset = ? ORDER BY seq`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var op, reqS, amtS, lastS, gainS, debtS, borrowS, tsS string
		if err := rows.Scan(&e.ID, &op, &e.Asset, &e.Caller, &reqS, &amtS,
			&lastS, &gainS, &debtS, &borrowS, &tsS); err != nil {
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
		e.Timestamp = c.time("timestamp", tsS)
		if c.err != nil {
			return nil, fmt.Errorf("journal entry %s: %w", e.ID, c.err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanSQLitePosition(row rowScanner) (*model.AssetPosition, error) {
	var p model.AssetPosition
	var lastS, gainS, debtS, borrowS, cfS, regS, updS string
	if err := row.Scan(&p.Asset, &lastS, &gainS, &debtS, &borrowS, &cfS, &regS, &updS); err != nil {
		return nil, err
	}
	var c columns
	p.LastBalance = c.decimal("last_balance", lastS)
	p.NetGain = c.decimal("net_gain", gainS)
	p.NetDebt = c.decimal("net_debt", debtS)
	p.BorrowBalance = c.decimal("borrow_balance", borrowS)
	p.CollateralFactor = c.decimal("collateral_factor", cfS)
	p.RegisteredAt = c.time("registered_at", regS)
	p.UpdatedAt = c.time("updated_at", updS)
	if c.err != nil {
		return nil, fmt.Errorf("position %s: %w", p.Asset, c.err)
	}
	return &p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
