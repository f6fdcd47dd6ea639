package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/savings_layer/internal/app/metrics"
	"github.com/R3E-Network/savings_layer/pkg/logger"
)

// KeeperConfig controls the automatic trigger.
type KeeperConfig struct {
	Identity      string
	Schedule      string
	RatePerSecond float64
	Burst         int
}

// RunReport summarizes one keeper sweep.
type RunReport struct {
	Due      int
	Executed int
	Failed   int
}

// Keeper periodically executes every due plan. It is one more permissionless
// caller of Execute; a failed plan is logged and left for the next sweep.
type Keeper struct {
	svc     *Service
	cfg     KeeperConfig
	limiter *rate.Limiter
	log     *logger.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewKeeper creates a keeper for svc.
func NewKeeper(svc *Service, cfg KeeperConfig, log *logger.Logger) *Keeper {
	if log == nil {
		log = logger.NewDefault("schedule-keeper")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Identity == "" {
		cfg.Identity = "keeper"
	}
	return &Keeper{
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:     log,
	}
}

// Name implements system.Service.
func (k *Keeper) Name() string { return "schedule-keeper" }

// Start registers the sweep with the cron scheduler.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cron != nil {
		return nil
	}

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(k.cfg.Schedule, func() {
		if _, err := k.RunOnce(baseCtx); err != nil {
			k.log.WithError(err).Warn("keeper sweep aborted")
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("keeper schedule %q: %w", k.cfg.Schedule, err)
	}
	c.Start()

	k.cron = c
	k.cancel = cancel
	k.log.WithField("schedule", k.cfg.Schedule).Info("keeper started")
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep or ctx expiry.
func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	c, cancel := k.cron, k.cancel
	k.cron, k.cancel = nil, nil
	k.mu.Unlock()
	if c == nil {
		return nil
	}

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	k.log.Info("keeper stopped")
	return nil
}

// RunOnce executes every plan that is due now, throttled by the limiter.
func (k *Keeper) RunOnce(ctx context.Context) (RunReport, error) {
	start := time.Now()
	var report RunReport
	defer func() {
		metrics.RecordKeeperRun(time.Since(start), report.Executed, report.Failed)
	}()

	due, err := k.svc.ListDuePlans(ctx)
	if err != nil {
		return report, err
	}
	report.Due = len(due)

	for _, p := range due {
		if err := k.limiter.Wait(ctx); err != nil {
			return report, err
		}
		if _, err := k.svc.Execute(ctx, k.cfg.Identity, p.ID); err != nil {
			report.Failed++
			k.log.WithError(err).
				WithField("plan_id", p.ID).
				WithField("owner", p.Owner).
				Warn("keeper execution failed")
			continue
		}
		report.Executed++
	}
	if report.Due > 0 {
		k.log.WithField("due", report.Due).
			WithField("executed", report.Executed).
			WithField("failed", report.Failed).
			Info("keeper sweep finished")
	}
	return report, nil
}
