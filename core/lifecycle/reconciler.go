package lifecycle

import (
	"context"
	"fmt"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/logger"
)

// ProviderLookup returns the provider a record was submitted through, or
// nil when it is no longer configured.
type ProviderLookup func(chainID uint64, name string) bundler.Provider

// Reconciler periodically asks providers about records whose outcome was
// never observed: TimedOut ones, and Submitted ones left behind by a
// restart.
type Reconciler struct {
	engine    *Engine
	lookup    ProviderLookup
	interval  time.Duration
	scheduler gocron.Scheduler
	logger    logger.Logger
	now       func() time.Time
}

func NewReconciler(engine *Engine, lookup ProviderLookup, interval time.Duration, log logger.Logger) *Reconciler {
	return &Reconciler{
		engine:   engine,
		lookup:   lookup,
		interval: interval,
		logger:   logger.EnsureLogger(log),
		now:      time.Now,
	}
}

func (r *Reconciler) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			defer cancel()
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Error("reconcile pending user operations", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule reconcile job: %w", err)
	}
	r.scheduler = scheduler
	scheduler.Start()
	return nil
}

func (r *Reconciler) Stop() error {
	if r.scheduler == nil {
		return nil
	}
	return r.scheduler.Shutdown()
}

// ReconcileOnce makes one pass and returns how many records reached a
// final state.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	records, err := r.engine.transactions.ListPending()
	if err != nil {
		return 0, err
	}

	settled := 0
	deadline := r.engine.controller.PollConfig().Deadline()
	for _, rec := range records {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		provider := r.lookup(rec.ChainID, rec.Provider)
		if provider == nil {
			r.logger.Debug("no provider to reconcile with", "userOpHash", rec.UserOpHash.Hex(), "provider", rec.Provider)
			continue
		}

		receipt, err := r.engine.QueryStatus(ctx, provider, &Handle{UserOpHash: rec.UserOpHash, ChainID: rec.ChainID, Provider: rec.Provider})
		if err != nil {
			r.logger.Warn("receipt query failed", "userOpHash", rec.UserOpHash.Hex(), "error", err)
			continue
		}

		switch receipt.Status {
		case ReceiptPending:
			// a Submitted record nobody is polling any more
			if rec.State == model.StateSubmitted && r.now().Sub(time.Unix(rec.SubmittedAt, 0)) > deadline {
				rec.State = model.StateTimedOut
				rec.Reason = "no receipt after restart"
				if err := r.engine.transactions.Update(rec); err != nil {
					r.logger.Error("cannot update transaction record", "userOpHash", rec.UserOpHash.Hex(), "error", err)
				}
			}
			continue
		case ReceiptConfirmed:
			rec.State = model.StateIncluded
			rec.Reason = ""
		case ReceiptFailed:
			rec.State = model.StateFailed
			rec.Reason = receipt.FailureReason
		}
		rec.TransactionHash = receipt.TransactionHash
		if receipt.BlockNumber != nil {
			rec.BlockNumber = receipt.BlockNumber.Uint64()
		}
		if receipt.GasUsed != nil {
			rec.GasUsed = receipt.GasUsed.String()
		}
		if receipt.ActualGasCost != nil {
			rec.ActualGasCost = receipt.ActualGasCost.String()
		}
		if err := r.engine.transactions.Update(rec); err != nil {
			r.logger.Error("cannot update transaction record", "userOpHash", rec.UserOpHash.Hex(), "error", err)
			continue
		}
		r.engine.metrics.IncOutcome(rec.Provider, string(rec.State))
		r.logger.Info("reconciled user operation", "userOpHash", rec.UserOpHash.Hex(), "state", rec.State)
		settled++
	}
	return settled, nil
}
