/*
Package engine executes queued requests and evolves simulation time.

PURPOSE:
  The settlement engine. User actions never mutate the ledger directly:
  they enqueue requests, and the monthly time-evolution step drains the
  queue in one global FIFO pass. Each request type has one executor; all
  executors run against the ledger.Store inside a per-request transaction
  scope.

EXECUTION MODEL:
  Evolve advances the clock one month per step. Each step:
    1. compounds every fund NAV by its cyclic monthly return series
    2. drains ALL pending requests in (created date, id) order
    3. persists the advanced clock
  A request failure (bad input, insufficient cash...) marks that request
  failed with a reason and the batch continues. Store failures abort the
  whole evolution.

PRICE-BEFORE-MUTATION:
  Every outflow executor captures the certificate's unit price, total
  value, and VGBL premium ratio BEFORE selling holdings or consuming
  lots. Valuing after mutation would tax lots at post-sale prices.

SEE ALSO:
  - evolve.go:     the scheduler loop and NAV updates
  - withdrawal.go: the tax-heavy outflow path
  - transfers.go:  the shared value-movement core
  - ledger/:       the data model all executors run against
*/
package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/Rhymond/go-money"
	"github.com/phuslu/log"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// Engine drives request execution and time evolution against one store.
type Engine struct {
	store ledger.Store
	log   log.Logger
}

// New returns an engine bound to the store.
func New(store ledger.Store, logger log.Logger) *Engine {
	return &Engine{store: store, log: logger}
}

// MonthLog is the human-readable record of one evolution step.
type MonthLog struct {
	Month  int      `json:"month"`
	Date   sim.Date `json:"date"`
	Events []string `json:"events"`
}

func (m *MonthLog) eventf(format string, args ...any) {
	m.Events = append(m.Events, fmt.Sprintf(format, args...))
}

// execute dispatches one pending request to its executor. Runs inside the
// per-request transaction scope; any error rolls the whole request back.
func (e *Engine) execute(ctx context.Context, s ledger.Store, req *ledger.Request, date sim.Date, ml *MonthLog) error {
	switch d := req.Details.(type) {
	case ledger.FundSwapDetails:
		return e.executeFundSwap(ctx, s, req, d, date, ml)
	case ledger.WithdrawalDetails:
		return e.executeWithdrawal(ctx, s, req, d, date, ml)
	case ledger.ContributionDetails:
		return e.executeContribution(ctx, s, req, d, date, ml)
	case ledger.PortabilityOutDetails:
		return e.executePortabilityOut(ctx, s, req, d, date, ml)
	case ledger.BrokerageWithdrawalDetails:
		return e.executeBrokerageWithdrawal(ctx, s, req, d, date, ml)
	case ledger.TransferInternalDetails:
		return e.executeTransferInternal(ctx, s, req, d, date, ml)
	case ledger.TransferExternalOutDetails:
		return e.executeTransferExternalOut(ctx, s, req, d, date, ml)
	case ledger.TransferExternalInDetails:
		return e.executeTransferExternalIn(ctx, s, req, d, date, ml)
	case ledger.PortabilityInDetails:
		// Passive side: completed by the matching portability_out, left
		// pending otherwise.
		return nil
	default:
		return fmt.Errorf("request %d: no executor for type %q", req.ID, req.Type)
	}
}

// ownedCertificate loads the certificate and verifies the requesting user
// owns it.
func ownedCertificate(ctx context.Context, s ledger.Store, certID, userID int64) (*ledger.Certificate, error) {
	cert, err := s.Certificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, fmt.Errorf("certificate %d: %w", certID, ledger.ErrCertificateNotFound)
	}
	if cert.UserID != userID {
		return nil, fmt.Errorf("certificate %d: %w", certID, ledger.ErrOwnershipMismatch)
	}
	return cert, nil
}

// FormatBRL renders an amount in Brazilian reais for event logs and views.
func FormatBRL(v float64) string {
	return money.New(int64(math.Round(v*100)), money.BRL).Display()
}
