package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/unclebandit/email-scheduler/internal/config"
	"github.com/unclebandit/email-scheduler/internal/logx"
	"github.com/unclebandit/email-scheduler/internal/service"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}

// MaintenanceJobs are the periodic sweeps run beside the dispatcher.
type MaintenanceJobs struct {
	Reconciler  *service.Reconciler
	Maintenance *service.Maintenance
	// Timeout bounds a single run.
	Timeout time.Duration
}

// NewMaintenanceCron registers the reconcile and prune sweeps. An empty
// schedule disables that sweep. Overlapping runs are skipped.
func NewMaintenanceCron(ctx context.Context, cfg config.MaintenanceConfig, jobs MaintenanceJobs, log logx.Logger) (*cron.Cron, error) {
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	timeout := jobs.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	if cfg.ReconcileSchedule != "" && jobs.Reconciler != nil {
		_, err := c.AddFunc(cfg.ReconcileSchedule, func() {
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			report, err := jobs.Reconciler.Sweep(runCtx)
			if err != nil {
				log.Error("reconcile sweep failed", logx.Err(err))
				return
			}
			if report.Requeued > 0 || report.Failed > 0 {
				log.Info("reconcile sweep repaired emails",
					logx.Int("requeued", report.Requeued), logx.Int("failed", report.Failed))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile schedule %q: %w", cfg.ReconcileSchedule, err)
		}
	}

	if cfg.PruneSchedule != "" && jobs.Maintenance != nil {
		_, err := c.AddFunc(cfg.PruneSchedule, func() {
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if _, err := jobs.Maintenance.Prune(runCtx); err != nil {
				log.Error("prune failed", logx.Err(err))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("prune schedule %q: %w", cfg.PruneSchedule, err)
		}
	}
	return c, nil
}
