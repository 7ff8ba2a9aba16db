/*
queue.go - Request queue, withdrawal outcomes, audit trail, clock, config

Request payloads are stored as JSON and decoded back into their typed
details structs on every read. PendingRequests returns the exact global
drain order of the monthly batch: (created_date, id) ascending.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// =============================================================================
// REQUESTS
// =============================================================================

const requestColumns = `
	id, user_id, certificate_id, type, status, details_json,
	created_date, completed_date, failed_reason, reject_reason`

func (s *Store) CreateRequest(ctx context.Context, userID, certID int64, details ledger.RequestDetails, created sim.Date) (int64, error) {
	defer s.lock()()

	raw, err := ledger.EncodeDetails(details)
	if err != nil {
		return 0, err
	}

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO requests (user_id, certificate_id, type, status, details_json, created_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, certID, string(details.RequestType()), string(ledger.StatusPending),
		raw, created.String())
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) Request(ctx context.Context, id int64) (*ledger.Request, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) Requests(ctx context.Context, f ledger.RequestFilter) ([]ledger.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1=1`
	var args []any
	if f.UserID != 0 {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.CertificateID != 0 {
		query += " AND certificate_id = ?"
		args = append(args, f.CertificateID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	query += " ORDER BY created_date ASC, id ASC"

	return s.queryRequests(ctx, query, args...)
}

// PendingRequests returns all pending requests in drain order.
func (s *Store) PendingRequests(ctx context.Context) ([]ledger.Request, error) {
	return s.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE status = ?
		 ORDER BY created_date ASC, id ASC`,
		string(ledger.StatusPending))
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]ledger.Request, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []ledger.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

func scanRequest(row scanner) (*ledger.Request, error) {
	var (
		r              ledger.Request
		detailsJSON    string
		createdDate    string
		completedDate  sql.NullString
	)
	err := row.Scan(&r.ID, &r.UserID, &r.CertificateID, &r.Type, &r.Status,
		&detailsJSON, &createdDate, &completedDate, &r.FailedReason, &r.RejectReason)
	if err != nil {
		return nil, err
	}

	r.CreatedDate, err = sim.ParseDate(createdDate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse request date: %w", err)
	}
	if completedDate.Valid && completedDate.String != "" {
		r.CompletedDate, err = sim.ParseDate(completedDate.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completion date: %w", err)
		}
	}

	r.Details, err = ledger.DecodeDetails(r.Type, detailsJSON)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CompleteRequest(ctx context.Context, id int64, completed sim.Date) error {
	return s.transition(ctx, id, ledger.StatusCompleted,
		"UPDATE requests SET status = ?, completed_date = ? WHERE id = ? AND status = 'pending'",
		string(ledger.StatusCompleted), completed.String(), id)
}

func (s *Store) FailRequest(ctx context.Context, id int64, reason string) error {
	return s.transition(ctx, id, ledger.StatusFailed,
		"UPDATE requests SET status = ?, failed_reason = ? WHERE id = ? AND status = 'pending'",
		string(ledger.StatusFailed), reason, id)
}

func (s *Store) RejectRequest(ctx context.Context, id int64, reason string) error {
	return s.transition(ctx, id, ledger.StatusRejected,
		"UPDATE requests SET status = ?, reject_reason = ? WHERE id = ? AND status = 'pending'",
		string(ledger.StatusRejected), reason, id)
}

func (s *Store) CancelRequest(ctx context.Context, id int64) error {
	return s.transition(ctx, id, ledger.StatusCancelled,
		"UPDATE requests SET status = ? WHERE id = ? AND status = 'pending'",
		string(ledger.StatusCancelled), id)
}

// transition applies a pending -> terminal move; touching a request that is
// no longer pending is a caller bug surfaced as ErrRequestNotPending.
func (s *Store) transition(ctx context.Context, id int64, to ledger.RequestStatus, query string, args ...any) error {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark request %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("request %d: %w", id, ledger.ErrRequestNotPending)
	}
	return nil
}

// =============================================================================
// WITHDRAWALS & AUDIT TRAIL
// =============================================================================

func (s *Store) AddWithdrawal(ctx context.Context, w *ledger.Withdrawal) (int64, error) {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO withdrawals (certificate_id, gross, tax_withheld, net, date, tax_details_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.CertificateID, w.Gross, w.TaxWithheld, w.Net, w.Date.String(), w.TaxDetails)
	if err != nil {
		return 0, fmt.Errorf("failed to add withdrawal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	w.ID = id
	return id, nil
}

func (s *Store) Withdrawals(ctx context.Context, certID int64) ([]ledger.Withdrawal, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, certificate_id, gross, tax_withheld, net, date, tax_details_json
		 FROM withdrawals WHERE certificate_id = ? ORDER BY id`, certID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Withdrawal
	for rows.Next() {
		var (
			w    ledger.Withdrawal
			date string
		)
		if err := rows.Scan(&w.ID, &w.CertificateID, &w.Gross, &w.TaxWithheld,
			&w.Net, &date, &w.TaxDetails); err != nil {
			return nil, err
		}
		w.Date, err = sim.ParseDate(date)
		if err != nil {
			return nil, fmt.Errorf("failed to parse withdrawal date: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) AppendLotAllocations(ctx context.Context, rows []ledger.LotAllocation) error {
	defer s.lock()()

	for _, la := range rows {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO lot_allocations
				(id, outflow_type, outflow_id, lot_id, consumed_units, consumed_amount,
				 days_held, tax_rate, taxable_base, tax_amount)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			la.ID, la.OutflowType, la.OutflowID, la.LotID, la.ConsumedUnits,
			la.ConsumedAmount, la.DaysHeld, la.TaxRate, la.TaxableBase, la.TaxAmount); err != nil {
			return fmt.Errorf("failed to append lot allocation: %w", err)
		}
	}
	return nil
}

// =============================================================================
// SIMULATION CLOCK
// =============================================================================

func (s *Store) Clock(ctx context.Context) (sim.Clock, error) {
	var (
		c    sim.Clock
		date string
	)
	err := s.q.QueryRowContext(ctx,
		"SELECT month, date FROM sim_clock WHERE id = 1").Scan(&c.Month, &date)
	if err != nil {
		return sim.Clock{}, err
	}
	c.Date, err = sim.ParseDate(date)
	if err != nil {
		return sim.Clock{}, fmt.Errorf("failed to parse clock date: %w", err)
	}
	return c, nil
}

func (s *Store) SetClock(ctx context.Context, c sim.Clock) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		"UPDATE sim_clock SET month = ?, date = ? WHERE id = 1",
		c.Month, c.Date.String())
	return err
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// IOFRule returns the excise band covering the given calendar year. A year
// no band covers gets the zero rule (no excise).
func (s *Store) IOFRule(ctx context.Context, year int) (ledger.IOFRule, error) {
	var r ledger.IOFRule
	err := s.q.QueryRowContext(ctx,
		`SELECT year_from, year_to, limit_amount, rate FROM iof_rules
		 WHERE year_from <= ? AND year_to >= ?
		 ORDER BY year_from DESC LIMIT 1`, year, year,
	).Scan(&r.YearFrom, &r.YearTo, &r.Limit, &r.Rate)
	if err == sql.ErrNoRows {
		return ledger.IOFRule{}, nil
	}
	return r, err
}

func (s *Store) SetIOFRules(ctx context.Context, rules []ledger.IOFRule) error {
	defer s.lock()()

	if _, err := s.q.ExecContext(ctx, "DELETE FROM iof_rules"); err != nil {
		return err
	}
	for _, r := range rules {
		if _, err := s.q.ExecContext(ctx,
			"INSERT INTO iof_rules (year_from, year_to, limit_amount, rate) VALUES (?, ?, ?, ?)",
			r.YearFrom, r.YearTo, r.Limit, r.Rate); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) IOFDeclaration(ctx context.Context, userID int64, year int) (float64, error) {
	var amount float64
	err := s.q.QueryRowContext(ctx,
		"SELECT amount FROM iof_declarations WHERE user_id = ? AND year = ?",
		userID, year).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return amount, err
}

func (s *Store) SetIOFDeclaration(ctx context.Context, userID int64, year int, amount float64) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO iof_declarations (user_id, year, amount) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, year) DO UPDATE SET amount = excluded.amount`,
		userID, year, amount)
	return err
}

const (
	settingPortInSchedule = "port_in_schedule"
	settingPortInFraction = "port_in_premium_fraction"
)

// defaultPortInSchedule backdates external transfers-in as three tranches.
var defaultPortInSchedule = []ledger.PortInTranche{
	{Pct: 30, YearsAgo: 1},
	{Pct: 30, YearsAgo: 5},
	{Pct: 40, YearsAgo: 11},
}

const defaultPortInFraction = 0.80

func (s *Store) PortInSchedule(ctx context.Context) ([]ledger.PortInTranche, error) {
	raw, ok, err := s.setting(ctx, settingPortInSchedule)
	if err != nil {
		return nil, err
	}
	if !ok {
		return defaultPortInSchedule, nil
	}
	var schedule []ledger.PortInTranche
	if err := json.Unmarshal([]byte(raw), &schedule); err != nil {
		return nil, fmt.Errorf("failed to decode port-in schedule: %w", err)
	}
	return schedule, nil
}

func (s *Store) SetPortInSchedule(ctx context.Context, schedule []ledger.PortInTranche) error {
	b, err := json.Marshal(schedule)
	if err != nil {
		return err
	}
	return s.setSetting(ctx, settingPortInSchedule, string(b))
}

func (s *Store) PortInPremiumFraction(ctx context.Context) (float64, error) {
	raw, ok, err := s.setting(ctx, settingPortInFraction)
	if err != nil {
		return 0, err
	}
	if !ok {
		return defaultPortInFraction, nil
	}
	var f float64
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return 0, fmt.Errorf("failed to decode premium fraction: %w", err)
	}
	return f, nil
}

func (s *Store) SetPortInPremiumFraction(ctx context.Context, fraction float64) error {
	return s.setSetting(ctx, settingPortInFraction, fmt.Sprintf("%g", fraction))
}

func (s *Store) setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// =============================================================================
// EXCISE BASE QUERY
// =============================================================================

// YearVGBLContributions sums the user's direct VGBL contribution lots dated
// within the calendar year. Transfer-sourced lots are excluded: only fresh
// contributions count toward the excise threshold. The sum is over lot
// gross (the contributed amount before the excise was withheld), so the
// threshold compares contribution volume, not invested volume, and the
// figure survives even if the originating request rows are purged.
func (s *Store) YearVGBLContributions(ctx context.Context, userID int64, year int) (float64, error) {
	var total float64
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(l.gross), 0)
		 FROM lots l
		 JOIN certificates c ON c.id = l.certificate_id
		 JOIN plans p ON p.id = c.plan_id
		 WHERE c.user_id = ?
		   AND p.plan_type = ?
		   AND l.source = ?
		   AND CAST(strftime('%Y', l.date) AS INTEGER) = ?`,
		userID, string(ledger.PlanVGBL), string(ledger.SourceContribution), year,
	).Scan(&total)
	return total, err
}
