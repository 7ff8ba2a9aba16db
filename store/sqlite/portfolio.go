/*
portfolio.go - Certificates, lots, holdings, and target allocations

Certificate rows are always returned with the plan type and name joined
in from the plans table, since every executor branches on plan type.
Lots come back in (date, id) order, which is the FIFO consumption order.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// =============================================================================
// CERTIFICATES
// =============================================================================

const certificateColumns = `
	c.id, c.user_id, c.plan_id, p.plan_type, p.name, c.created_date,
	c.phase, c.tax_regime, c.unit_supply, c.premium_remaining, c.notes`

func (s *Store) CreateCertificate(ctx context.Context, userID, planID int64, created sim.Date, notes string) (int64, error) {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO certificates (user_id, plan_id, created_date, phase, notes)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, planID, created.String(), string(ledger.PhaseAccumulation), notes)
	if err != nil {
		return 0, fmt.Errorf("failed to create certificate: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) Certificate(ctx context.Context, id int64) (*ledger.Certificate, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+certificateColumns+`
		 FROM certificates c JOIN plans p ON p.id = c.plan_id
		 WHERE c.id = ?`, id)

	cert, err := scanCertificate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func (s *Store) Certificates(ctx context.Context, userID int64) ([]ledger.Certificate, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+certificateColumns+`
		 FROM certificates c JOIN plans p ON p.id = c.plan_id
		 WHERE c.user_id = ?
		 ORDER BY c.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var certs []ledger.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, *cert)
	}
	return certs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row scanner) (*ledger.Certificate, error) {
	var (
		c       ledger.Certificate
		created string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.PlanID, &c.PlanType, &c.PlanName, &created,
		&c.Phase, &c.TaxRegime, &c.UnitSupply, &c.PremiumRemaining, &c.Notes)
	if err != nil {
		return nil, err
	}
	c.CreatedDate, err = sim.ParseDate(created)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate date: %w", err)
	}
	return &c, nil
}

// DeleteCertificate removes the certificate and everything hanging off it:
// lots, their audit rows, holdings, allocations, withdrawals, and requests.
func (s *Store) DeleteCertificate(ctx context.Context, id int64) error {
	defer s.lock()()
	return s.deleteCertificate(ctx, id)
}

func (s *Store) deleteCertificate(ctx context.Context, id int64) error {
	stmts := []string{
		`DELETE FROM lot_allocations WHERE lot_id IN (SELECT id FROM lots WHERE certificate_id = ?)`,
		`DELETE FROM lots WHERE certificate_id = ?`,
		`DELETE FROM holdings WHERE certificate_id = ?`,
		`DELETE FROM target_allocations WHERE certificate_id = ?`,
		`DELETE FROM withdrawals WHERE certificate_id = ?`,
		`DELETE FROM requests WHERE certificate_id = ?`,
		`DELETE FROM certificates WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to cascade certificate delete: %w", err)
		}
	}
	return nil
}

func (s *Store) SetTaxRegime(ctx context.Context, id int64, regime ledger.TaxRegime) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		"UPDATE certificates SET tax_regime = ? WHERE id = ?", string(regime), id)
	return err
}

func (s *Store) SetPhase(ctx context.Context, id int64, phase ledger.Phase) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		"UPDATE certificates SET phase = ? WHERE id = ?", string(phase), id)
	return err
}

func (s *Store) AddCertificateUnits(ctx context.Context, id int64, delta float64) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		"UPDATE certificates SET unit_supply = unit_supply + ? WHERE id = ?", delta, id)
	return err
}

func (s *Store) SetCertificateUnits(ctx context.Context, id int64, units float64) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		"UPDATE certificates SET unit_supply = ? WHERE id = ?", units, id)
	return err
}

func (s *Store) AddPremiumRemaining(ctx context.Context, id int64, delta float64) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		"UPDATE certificates SET premium_remaining = premium_remaining + ? WHERE id = ?", delta, id)
	return err
}

// =============================================================================
// LOTS
// =============================================================================

func (s *Store) AddLot(ctx context.Context, lot *ledger.Lot) (int64, error) {
	defer s.lock()()

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO lots (certificate_id, date, source, gross, net,
			remaining_amount, units_total, units_remaining, issue_price)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.CertificateID, lot.Date.String(), string(lot.Source), lot.Gross, lot.Net,
		lot.RemainingAmount, lot.UnitsTotal, lot.UnitsRemaining, lot.IssuePrice)
	if err != nil {
		return 0, fmt.Errorf("failed to add lot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	lot.ID = id
	return id, nil
}

func (s *Store) Lots(ctx context.Context, certID int64) ([]ledger.Lot, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, certificate_id, date, source, gross, net,
			remaining_amount, units_total, units_remaining, issue_price
		 FROM lots
		 WHERE certificate_id = ?
		 ORDER BY date ASC, id ASC`, certID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []ledger.Lot
	for rows.Next() {
		var (
			l    ledger.Lot
			date string
		)
		if err := rows.Scan(&l.ID, &l.CertificateID, &date, &l.Source, &l.Gross, &l.Net,
			&l.RemainingAmount, &l.UnitsTotal, &l.UnitsRemaining, &l.IssuePrice); err != nil {
			return nil, err
		}
		l.Date, err = sim.ParseDate(date)
		if err != nil {
			return nil, fmt.Errorf("failed to parse lot date: %w", err)
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (s *Store) SetLotRemaining(ctx context.Context, lotID int64, remainingAmount, unitsRemaining float64) error {
	defer s.lock()()

	_, err := s.q.ExecContext(ctx,
		"UPDATE lots SET remaining_amount = ?, units_remaining = ? WHERE id = ?",
		remainingAmount, unitsRemaining, lotID)
	return err
}

// =============================================================================
// HOLDINGS
// =============================================================================

func (s *Store) Holdings(ctx context.Context, certID int64) ([]ledger.Holding, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT h.certificate_id, h.fund_id, f.name, h.units, f.current_nav
		 FROM holdings h JOIN funds f ON f.id = h.fund_id
		 WHERE h.certificate_id = ?
		 ORDER BY h.fund_id`, certID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []ledger.Holding
	for rows.Next() {
		var h ledger.Holding
		if err := rows.Scan(&h.CertificateID, &h.FundID, &h.FundName, &h.Units, &h.NAV); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// SetHolding upserts the position; dust positions are deleted outright.
func (s *Store) SetHolding(ctx context.Context, certID, fundID int64, units float64) error {
	defer s.lock()()

	if units <= ledger.EpsilonDust {
		_, err := s.q.ExecContext(ctx,
			"DELETE FROM holdings WHERE certificate_id = ? AND fund_id = ?", certID, fundID)
		return err
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO holdings (certificate_id, fund_id, units)
		 VALUES (?, ?, ?)
		 ON CONFLICT(certificate_id, fund_id) DO UPDATE SET units = excluded.units`,
		certID, fundID, units)
	return err
}

// =============================================================================
// TARGET ALLOCATIONS
// =============================================================================

func (s *Store) TargetAllocations(ctx context.Context, certID int64) (ledger.AllocationSet, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT fund_id, pct FROM target_allocations
		 WHERE certificate_id = ? ORDER BY fund_id`, certID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var as ledger.AllocationSet
	for rows.Next() {
		var a ledger.Allocation
		if err := rows.Scan(&a.FundID, &a.Pct); err != nil {
			return nil, err
		}
		as = append(as, a)
	}
	return as, rows.Err()
}

// SetTargetAllocations validates and replaces the routing table.
func (s *Store) SetTargetAllocations(ctx context.Context, certID int64, as ledger.AllocationSet) error {
	if err := as.Validate(); err != nil {
		return err
	}

	defer s.lock()()

	if _, err := s.q.ExecContext(ctx,
		"DELETE FROM target_allocations WHERE certificate_id = ?", certID); err != nil {
		return err
	}
	for _, a := range as {
		if _, err := s.q.ExecContext(ctx,
			"INSERT INTO target_allocations (certificate_id, fund_id, pct) VALUES (?, ?, ?)",
			certID, a.FundID, a.Pct); err != nil {
			return err
		}
	}
	return nil
}
