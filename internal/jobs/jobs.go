// Package jobs wires the scheduled background work: payment expiry
// sweeps, daily reconciliation and weekly settlement.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"vinowpay/internal/recon"
	"vinowpay/internal/settlement"
)

// Config holds scheduler knobs
type Config struct {
	SweepInterval    time.Duration `envconfig:"JOBS_SWEEP_INTERVAL" default:"1m"`
	ReconcileHourUTC int           `envconfig:"JOBS_RECONCILE_HOUR_UTC" default:"2"`
	SettleHourUTC    int           `envconfig:"JOBS_SETTLE_HOUR_UTC" default:"3"`
	SettlementPeriod time.Duration `envconfig:"SETTLEMENT_PERIOD" default:"168h"`
}

// MerchantLister enumerates the merchants the scheduled jobs run for
type MerchantLister interface {
	ActiveMerchants(ctx context.Context) ([]string, error)
}

// PaymentSweeper expires overdue pending payments
type PaymentSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Reconciler runs the reconciliation engine for one window
type Reconciler interface {
	Reconcile(ctx context.Context, merchantID string, periodStart, periodEnd time.Time, force bool) (*recon.Log, error)
}

// Settler settles reconciled windows and projects the next one
type Settler interface {
	Settle(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*settlement.Record, error)
	Estimate(ctx context.Context, merchantID string) (*settlement.Estimate, error)
}

// Manager owns the gocron scheduler and the job registrations
type Manager struct {
	config      Config
	scheduler   gocron.Scheduler
	payments    PaymentSweeper
	recons      Reconciler
	settlements Settler
	merchants   MerchantLister
	logger      *slog.Logger
}

// NewManager creates a job manager with its own scheduler
func NewManager(cfg Config, payments PaymentSweeper, recons Reconciler, settlements Settler, merchants MerchantLister, logger *slog.Logger) (*Manager, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	return &Manager{
		config:      cfg,
		scheduler:   s,
		payments:    payments,
		recons:      recons,
		settlements: settlements,
		merchants:   merchants,
		logger:      logger,
	}, nil
}

// Start registers all jobs and starts the scheduler. Every job runs in
// singleton mode so a slow run is never overlapped by the next tick.
func (m *Manager) Start() error {
	jobs := []struct {
		name     string
		schedule gocron.JobDefinition
		task     func()
	}{
		{
			name:     "payment_expiry_sweep",
			schedule: gocron.DurationJob(m.config.SweepInterval),
			task:     m.runExpirySweep,
		},
		{
			name: "daily_reconciliation",
			schedule: gocron.DailyJob(1, gocron.NewAtTimes(
				gocron.NewAtTime(uint(m.config.ReconcileHourUTC), 0, 0),
			)),
			task: m.runDailyReconciliation,
		},
		{
			name: "periodic_settlement",
			schedule: gocron.DailyJob(1, gocron.NewAtTimes(
				gocron.NewAtTime(uint(m.config.SettleHourUTC), 0, 0),
			)),
			task: m.runPeriodicSettlement,
		},
	}

	for _, j := range jobs {
		_, err := m.scheduler.NewJob(
			j.schedule,
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("registering job %s: %w", j.name, err)
		}
	}

	m.scheduler.Start()
	m.logger.Info("job scheduler started", "jobs", len(jobs))
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs
func (m *Manager) Stop() error {
	return m.scheduler.Shutdown()
}

func (m *Manager) runExpirySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := m.payments.Sweep(ctx)
	if err != nil {
		m.logger.Error("payment expiry sweep failed", "error", err)
		return
	}
	if expired > 0 {
		m.logger.Info("payment expiry sweep", "expired", expired)
	}
}

// runDailyReconciliation reconciles yesterday's full UTC day for every
// merchant. Windows that already have a non-ERROR log are skipped by
// the engine itself; ERROR windows are retried on the next tick.
func (m *Manager) runDailyReconciliation() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.Add(-24 * time.Hour)

	merchants, err := m.merchants.ActiveMerchants(ctx)
	if err != nil {
		m.logger.Error("listing merchants for reconciliation failed", "error", err)
		return
	}

	for _, merchantID := range merchants {
		if _, err := m.recons.Reconcile(ctx, merchantID, start, end, false); err != nil {
			m.logger.Error("scheduled reconciliation failed",
				"merchant_id", merchantID,
				"period_start", start,
				"error", err,
			)
		}
	}
}

// runPeriodicSettlement settles each merchant's next settlement window
// once it has closed. The window is anchored to the merchant's last
// completed settlement so consecutive periods tile without gaps, and
// that exact window is reconciled first so the settlement gate sees a
// matching log. Merchants whose window has unresolved mismatches are
// skipped and picked up on a later tick.
func (m *Manager) runPeriodicSettlement() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	now := time.Now().UTC()

	merchants, err := m.merchants.ActiveMerchants(ctx)
	if err != nil {
		m.logger.Error("listing merchants for settlement failed", "error", err)
		return
	}

	for _, merchantID := range merchants {
		est, err := m.settlements.Estimate(ctx, merchantID)
		if err != nil {
			m.logger.Error("projecting settlement window failed",
				"merchant_id", merchantID,
				"error", err,
			)
			continue
		}
		if est.PeriodEnd.After(now) {
			continue
		}

		if _, err := m.recons.Reconcile(ctx, merchantID, est.PeriodStart, est.PeriodEnd, false); err != nil {
			m.logger.Error("settlement window reconciliation failed",
				"merchant_id", merchantID,
				"period_start", est.PeriodStart,
				"period_end", est.PeriodEnd,
				"error", err,
			)
			continue
		}

		_, err = m.settlements.Settle(ctx, merchantID, est.PeriodStart, est.PeriodEnd)
		switch {
		case err == nil:
		case errors.Is(err, settlement.ErrNotReconciled):
			m.logger.Info("settlement skipped", "merchant_id", merchantID, "reason", err)
		default:
			m.logger.Error("scheduled settlement failed",
				"merchant_id", merchantID,
				"period_start", est.PeriodStart,
				"error", err,
			)
		}
	}
}
