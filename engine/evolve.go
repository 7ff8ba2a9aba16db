/*
evolve.go - The time-evolution scheduler

The only writer of the simulation clock. Each step is one month:

  1. advance the clock (day clamped to the target month's length)
  2. compound every fund NAV by its cyclic return series
  3. drain ALL pending requests in (created date, id) order, each inside
     its own transaction scope
  4. persist the clock

FAILURE ISOLATION:
  A request that fails on bad input rolls back and is marked failed with
  the reason; the batch continues. Invariant violations are logged loudly
  and fail the request too. Anything else (the store itself erroring) is
  fatal and aborts the evolution mid-batch.
*/
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
)

// MaxEvolveSteps bounds a single evolution call to ten years of months.
const MaxEvolveSteps = 120

// Evolve advances the simulation by the given number of monthly steps and
// returns one MonthLog per step.
func (e *Engine) Evolve(ctx context.Context, steps int) ([]MonthLog, error) {
	if steps < 1 || steps > MaxEvolveSteps {
		return nil, fmt.Errorf("steps must be between 1 and %d, got %d", MaxEvolveSteps, steps)
	}

	var logs []MonthLog
	for i := 0; i < steps; i++ {
		ml, err := e.step(ctx)
		if err != nil {
			return logs, err
		}
		logs = append(logs, *ml)
	}
	return logs, nil
}

func (e *Engine) step(ctx context.Context) (*MonthLog, error) {
	clock, err := e.store.Clock(ctx)
	if err != nil {
		return nil, err
	}
	next := clock.Next()
	ml := &MonthLog{Month: next.Month, Date: next.Date}

	if err := e.updateFundNAVs(ctx, next.Month, ml); err != nil {
		return nil, err
	}
	if err := e.drainPending(ctx, ml); err != nil {
		return nil, err
	}

	if err := e.store.SetClock(ctx, next); err != nil {
		return nil, err
	}

	e.log.Info().
		Int("month", next.Month).
		Str("date", next.Date.String()).
		Int("events", len(ml.Events)).
		Msg("simulation advanced")
	return ml, nil
}

// updateFundNAVs compounds each fund by its return series, replayed
// cyclically: month m uses entry (m-1) mod len.
func (e *Engine) updateFundNAVs(ctx context.Context, month int, ml *MonthLog) error {
	funds, err := e.store.Funds(ctx)
	if err != nil {
		return err
	}
	for _, fund := range funds {
		returns, err := e.store.FundReturns(ctx, fund.ID)
		if err != nil {
			return err
		}
		if len(returns) == 0 {
			continue
		}
		ret := returns[(month-1)%len(returns)]
		newNAV := fund.CurrentNAV * (1 + ret)
		if err := e.store.SetFundNAV(ctx, fund.ID, newNAV); err != nil {
			return err
		}
		ml.eventf("Fund '%s': NAV %.4f -> %.4f (%+.2f%%)",
			fund.Name, fund.CurrentNAV, newNAV, ret*100)
	}
	return nil
}

// drainPending executes every pending request in one global FIFO pass.
func (e *Engine) drainPending(ctx context.Context, ml *MonthLog) error {
	pending, err := e.store.PendingRequests(ctx)
	if err != nil {
		return err
	}

	for i := range pending {
		req := &pending[i]
		// Passive half of a legacy portability; its matching
		// portability_out completes it.
		if req.Type == ledger.RequestPortabilityIn {
			continue
		}

		execErr := e.store.WithTx(ctx, func(s ledger.Store) error {
			if err := e.execute(ctx, s, req, ml.Date, ml); err != nil {
				return err
			}
			return s.CompleteRequest(ctx, req.ID, ml.Date)
		})
		if execErr == nil {
			continue
		}

		var inv *ledger.InvariantError
		switch {
		case errors.As(execErr, &inv):
			e.log.Error().
				Int64("request", req.ID).
				Str("type", string(req.Type)).
				Str("op", inv.Op).
				Msg(inv.Detail)
		case ledger.IsUserError(execErr):
			// expected class, reason recorded below
		default:
			// Store failure: abort the whole evolution.
			return fmt.Errorf("request %d (%s): %w", req.ID, req.Type, execErr)
		}

		if err := e.store.FailRequest(ctx, req.ID, execErr.Error()); err != nil {
			return err
		}
		ml.eventf("Request #%d (%s) FAILED: %v", req.ID, req.Type, execErr)
	}
	return nil
}
