// Package reconcile audits every points account against its ledger on a schedule.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/speakle/rewards/pkg/points"
	"go.uber.org/zap"
)

const defaultPageSize = 100

var ErrInvalidInterval = errors.New("invalid reconcile interval")

// Report summarizes one pass over all accounts.
type Report struct {
	Checked int
	Skipped int
	Drifted []points.Verification
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPageSize sets how many accounts are listed per page.
func WithPageSize(size int) Option {
	return func(reconciler *Reconciler) {
		if size > 0 {
			reconciler.pageSize = size
		}
	}
}

// Reconciler pages over accounts and verifies each one under its lock.
type Reconciler struct {
	engine   *points.Engine
	logger   *zap.Logger
	pageSize int
}

func New(engine *points.Engine, logger *zap.Logger, options ...Option) (*Reconciler, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine dependency is nil", points.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reconciler := &Reconciler{engine: engine, logger: logger, pageSize: defaultPageSize}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// Run verifies every account once. Busy or vanished accounts are skipped; other failures abort the pass.
func (reconciler *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report
	afterUserID := ""
	for {
		accounts, err := reconciler.engine.AccountPage(ctx, afterUserID, reconciler.pageSize)
		if err != nil {
			return report, err
		}
		for _, account := range accounts {
			verification, err := reconciler.engine.VerifyAccount(ctx, account.UserID)
			switch points.Classify(err) {
			case points.KindNone:
			case points.KindRetryable, points.KindNotFound:
				report.Skipped++
				reconciler.logger.Warn("reconcile skipped account", zap.String("user_id", account.UserID.String()), zap.Error(err))
				continue
			default:
				return report, err
			}
			report.Checked++
			if !verification.Consistent() {
				report.Drifted = append(report.Drifted, verification)
				reconciler.logger.Error("ledger drift detected",
					zap.String("user_id", verification.UserID.String()),
					zap.Int64("balance", verification.Balance.Int64()),
					zap.Int64("ledger_sum", verification.LedgerSum.Int64()),
					zap.String("tier", verification.Tier.String()),
					zap.String("expected_tier", verification.ExpectedTier.String()),
				)
			}
		}
		if len(accounts) < reconciler.pageSize {
			return report, nil
		}
		afterUserID = accounts[len(accounts)-1].UserID.String()
	}
}

// Serve runs a pass every interval until ctx ends. Overlapping passes are rescheduled, not stacked.
func (reconciler *Reconciler) Serve(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("reconcile scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			started := time.Now()
			report, runErr := reconciler.Run(ctx)
			if runErr != nil && ctx.Err() == nil {
				reconciler.logger.Error("reconcile failed", zap.Error(runErr))
				return
			}
			reconciler.logger.Info("reconcile completed",
				zap.Int("checked", report.Checked),
				zap.Int("skipped", report.Skipped),
				zap.Int("drifted", len(report.Drifted)),
				zap.Duration("elapsed", time.Since(started)),
			)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("reconcile job: %w", err)
	}
	scheduler.Start()
	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		reconciler.logger.Warn("reconcile scheduler shutdown", zap.Error(err))
	}
	return nil
}
