/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  All persistence for the portal lives here: users and brokerage cash,
  plans, funds with their NAV return series, certificates, cost-basis
  lots, holdings, target allocations, the request queue, withdrawal
  outcomes, the lot-allocation audit trail, the simulation clock, and
  the stored tax configuration.

TRANSACTION SCOPE:
  WithTx opens a database transaction and hands the callback a scoped
  Store bound to it. The scheduler wraps each request execution in one
  such scope, so a failing executor rolls back everything it touched
  while the rest of the monthly batch proceeds.

MUTABILITY:
  Lots are append-mostly (only their two remaining counters shrink),
  lot_allocations is write-only, requests move pending -> terminal once.

CONCURRENCY:
  A single mutex serializes writers. SQLite is opened in WAL mode so
  readers do not block behind the writer.

MIGRATION:
  Schema is auto-migrated on New(), including default excise-tax bands
  and a clock row. For production, use a versioned migration tool.

SEE ALSO:
  - ledger/store.go: the interface this package implements
  - portfolio.go:    certificates, lots, holdings, allocations
  - queue.go:        requests, withdrawals, audit, clock, config
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.Store on SQLite.
type Store struct {
	db *sql.DB
	q  querier
	mu *sync.Mutex
	tx *sql.Tx // non-nil when this instance is scoped to a transaction
}

var _ ledger.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, q: db, mu: &sync.Mutex{}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// lock serializes writers at the top level. Transaction-scoped instances
// skip it: the scope already holds the mutex.
func (s *Store) lock() func() {
	if s.tx != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTx runs fn inside a database transaction against a scoped Store.
// An error from fn rolls back every mutation fn made. Calling WithTx on
// an already-scoped Store reuses the existing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	scoped := &Store{db: s.db, q: sqlTx, mu: s.mu, tx: sqlTx}
	if err := fn(scoped); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		retail BOOLEAN NOT NULL DEFAULT TRUE,
		brokerage_cash REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS plans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plan_type TEXT NOT NULL,
		name TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		fees_info TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS funds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		cnpj TEXT NOT NULL DEFAULT '',
		qualified_only BOOLEAN NOT NULL DEFAULT FALSE,
		initial_nav REAL NOT NULL DEFAULT 1.0,
		current_nav REAL NOT NULL DEFAULT 1.0
	);

	-- Finite monthly return series, replayed cyclically by the scheduler.
	CREATE TABLE IF NOT EXISTS fund_returns (
		fund_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		monthly_return REAL NOT NULL,
		PRIMARY KEY (fund_id, seq)
	);

	CREATE TABLE IF NOT EXISTS certificates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		plan_id INTEGER NOT NULL,
		created_date TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT 'accumulation',
		tax_regime TEXT NOT NULL DEFAULT '',
		unit_supply REAL NOT NULL DEFAULT 0,
		premium_remaining REAL NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_certificates_user
		ON certificates(user_id);

	CREATE TABLE IF NOT EXISTS lots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		certificate_id INTEGER NOT NULL,
		date TEXT NOT NULL,
		source TEXT NOT NULL,
		gross REAL NOT NULL,
		net REAL NOT NULL,
		remaining_amount REAL NOT NULL,
		units_total REAL NOT NULL,
		units_remaining REAL NOT NULL,
		issue_price REAL NOT NULL
	);

	-- FIFO consumption order (hot path).
	CREATE INDEX IF NOT EXISTS idx_lots_cert_date
		ON lots(certificate_id, date, id);

	CREATE TABLE IF NOT EXISTS holdings (
		certificate_id INTEGER NOT NULL,
		fund_id INTEGER NOT NULL,
		units REAL NOT NULL,
		PRIMARY KEY (certificate_id, fund_id)
	);

	CREATE TABLE IF NOT EXISTS target_allocations (
		certificate_id INTEGER NOT NULL,
		fund_id INTEGER NOT NULL,
		pct REAL NOT NULL,
		PRIMARY KEY (certificate_id, fund_id)
	);

	CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		certificate_id INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		details_json TEXT NOT NULL DEFAULT '',
		created_date TEXT NOT NULL,
		completed_date TEXT,
		failed_reason TEXT NOT NULL DEFAULT '',
		reject_reason TEXT NOT NULL DEFAULT ''
	);

	-- Global drain order of the monthly batch.
	CREATE INDEX IF NOT EXISTS idx_requests_status_created
		ON requests(status, created_date, id);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		certificate_id INTEGER NOT NULL,
		gross REAL NOT NULL,
		tax_withheld REAL NOT NULL,
		net REAL NOT NULL,
		date TEXT NOT NULL,
		tax_details_json TEXT NOT NULL DEFAULT ''
	);

	-- Write-only audit of lot consumption per executed outflow.
	CREATE TABLE IF NOT EXISTS lot_allocations (
		id TEXT PRIMARY KEY,
		outflow_type TEXT NOT NULL,
		outflow_id INTEGER NOT NULL,
		lot_id INTEGER NOT NULL,
		consumed_units REAL NOT NULL,
		consumed_amount REAL NOT NULL,
		days_held INTEGER NOT NULL,
		tax_rate REAL NOT NULL,
		taxable_base REAL NOT NULL,
		tax_amount REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lot_allocations_lot
		ON lot_allocations(lot_id);

	CREATE TABLE IF NOT EXISTS sim_clock (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		month INTEGER NOT NULL,
		date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS iof_rules (
		year_from INTEGER NOT NULL,
		year_to INTEGER NOT NULL,
		limit_amount REAL NOT NULL,
		rate REAL NOT NULL,
		PRIMARY KEY (year_from, year_to)
	);

	CREATE TABLE IF NOT EXISTS iof_declarations (
		user_id INTEGER NOT NULL,
		year INTEGER NOT NULL,
		amount REAL NOT NULL,
		PRIMARY KEY (user_id, year)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO sim_clock (id, month, date) VALUES (1, 0, '2026-01-01');
	INSERT OR IGNORE INTO iof_rules (year_from, year_to, limit_amount, rate) VALUES (2025, 2025, 300000, 0.05);
	INSERT OR IGNORE INTO iof_rules (year_from, year_to, limit_amount, rate) VALUES (2026, 9999, 600000, 0.05);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// USERS & BROKERAGE CASH
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, username string, retail bool) (int64, error) {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx,
		"INSERT INTO users (username, retail) VALUES (?, ?)", username, retail)
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) User(ctx context.Context, id int64) (*ledger.User, error) {
	var u ledger.User
	err := s.q.QueryRowContext(ctx,
		"SELECT id, username, retail FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.Retail)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) Users(ctx context.Context) ([]ledger.User, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, username, retail FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		var u ledger.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Retail); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes the user, their excise declarations, their requests,
// and all their certificates (cascaded).
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	defer s.lock()()

	certs, err := s.Certificates(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range certs {
		if err := s.deleteCertificate(ctx, c.ID); err != nil {
			return err
		}
	}

	if _, err := s.q.ExecContext(ctx, "DELETE FROM iof_declarations WHERE user_id = ?", id); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, "DELETE FROM requests WHERE user_id = ?", id); err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	return err
}

func (s *Store) BrokerageCash(ctx context.Context, userID int64) (float64, error) {
	var cash float64
	err := s.q.QueryRowContext(ctx,
		"SELECT brokerage_cash FROM users WHERE id = ?", userID).Scan(&cash)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user %d not found", userID)
	}
	return cash, err
}

func (s *Store) SetBrokerageCash(ctx context.Context, userID int64, amount float64) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		"UPDATE users SET brokerage_cash = ? WHERE id = ?", amount, userID)
	return err
}

func (s *Store) AddBrokerageCash(ctx context.Context, userID int64, delta float64) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		"UPDATE users SET brokerage_cash = brokerage_cash + ? WHERE id = ?", delta, userID)
	return err
}

// =============================================================================
// PLANS
// =============================================================================

func (s *Store) CreatePlan(ctx context.Context, p ledger.Plan) (int64, error) {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx,
		"INSERT INTO plans (plan_type, name, code, fees_info) VALUES (?, ?, ?, ?)",
		string(p.Type), p.Name, p.Code, p.FeesInfo)
	if err != nil {
		return 0, fmt.Errorf("failed to create plan: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) Plan(ctx context.Context, id int64) (*ledger.Plan, error) {
	var p ledger.Plan
	err := s.q.QueryRowContext(ctx,
		"SELECT id, plan_type, name, code, fees_info FROM plans WHERE id = ?", id,
	).Scan(&p.ID, &p.Type, &p.Name, &p.Code, &p.FeesInfo)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) Plans(ctx context.Context) ([]ledger.Plan, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, plan_type, name, code, fees_info FROM plans ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []ledger.Plan
	for rows.Next() {
		var p ledger.Plan
		if err := rows.Scan(&p.ID, &p.Type, &p.Name, &p.Code, &p.FeesInfo); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// =============================================================================
// FUNDS
// =============================================================================

func (s *Store) CreateFund(ctx context.Context, f ledger.Fund) (int64, error) {
	defer s.lock()()

	if f.CurrentNAV == 0 {
		f.CurrentNAV = f.InitialNAV
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO funds (name, description, cnpj, qualified_only, initial_nav, current_nav)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.Name, f.Description, f.CNPJ, f.QualifiedOnly, f.InitialNAV, f.CurrentNAV)
	if err != nil {
		return 0, fmt.Errorf("failed to create fund: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) Fund(ctx context.Context, id int64) (*ledger.Fund, error) {
	var f ledger.Fund
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, description, cnpj, qualified_only, initial_nav, current_nav
		 FROM funds WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &f.Description, &f.CNPJ, &f.QualifiedOnly, &f.InitialNAV, &f.CurrentNAV)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) Funds(ctx context.Context) ([]ledger.Fund, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, description, cnpj, qualified_only, initial_nav, current_nav
		 FROM funds ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var funds []ledger.Fund
	for rows.Next() {
		var f ledger.Fund
		if err := rows.Scan(&f.ID, &f.Name, &f.Description, &f.CNPJ, &f.QualifiedOnly,
			&f.InitialNAV, &f.CurrentNAV); err != nil {
			return nil, err
		}
		funds = append(funds, f)
	}
	return funds, rows.Err()
}

func (s *Store) SetFundNAV(ctx context.Context, id int64, nav float64) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		"UPDATE funds SET current_nav = ? WHERE id = ?", nav, id)
	return err
}

func (s *Store) FundReturns(ctx context.Context, fundID int64) ([]float64, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT monthly_return FROM fund_returns WHERE fund_id = ? ORDER BY seq", fundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var returns []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		returns = append(returns, r)
	}
	return returns, rows.Err()
}

func (s *Store) SetFundReturns(ctx context.Context, fundID int64, returns []float64) error {
	defer s.lock()()

	if _, err := s.q.ExecContext(ctx,
		"DELETE FROM fund_returns WHERE fund_id = ?", fundID); err != nil {
		return err
	}
	for i, r := range returns {
		if _, err := s.q.ExecContext(ctx,
			"INSERT INTO fund_returns (fund_id, seq, monthly_return) VALUES (?, ?, ?)",
			fundID, i, r); err != nil {
			return err
		}
	}
	return nil
}
