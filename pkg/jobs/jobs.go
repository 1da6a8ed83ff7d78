// Package jobs runs the scheduler-facing maintenance triggers: the SLA breach
// sweep and the audit chain verification. Both are idempotent, so overlapping
// or repeated triggers are safe; a rate limiter keeps a misconfigured external
// scheduler from hammering the database anyway.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/audit"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/observability"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/sla"
)

// ErrThrottled is returned by Trigger when the job fired too recently.
var ErrThrottled = errors.New("jobs: throttled")

// Runner invokes one named job on a fixed interval.
type Runner struct {
	name    string
	every   time.Duration
	fn      func(context.Context) error
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a runner. The limiter admits at most two runs per interval, so
// an external trigger landing between ticks still fires but bursts do not.
func New(name string, every time.Duration, fn func(context.Context) error) *Runner {
	return &Runner{
		name:    name,
		every:   every,
		fn:      fn,
		limiter: rate.NewLimiter(rate.Every(every/2), 1),
		logger:  observability.Logger("jobs").With("job", name),
	}
}

// Trigger runs the job once, immediately, if the limiter admits it.
func (r *Runner) Trigger(ctx context.Context) error {
	if !r.limiter.Allow() {
		return fmt.Errorf("%w: job %s", ErrThrottled, r.name)
	}
	return r.invoke(ctx)
}

// Run loops on the interval until ctx is cancelled. Job failures are logged
// and retried on the next tick, never fatal.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	r.logger.Info("job loop started", "interval", r.every.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job loop stopped")
			return
		case <-ticker.C:
			if !r.limiter.Allow() {
				continue
			}
			_ = r.invoke(ctx)
		}
	}
}

func (r *Runner) invoke(ctx context.Context) error {
	start := time.Now()
	err := r.fn(ctx)
	if err != nil {
		r.logger.Error("job failed", "error", err, "elapsed", time.Since(start).String())
		return err
	}
	r.logger.Debug("job complete", "elapsed", time.Since(start).String())
	return nil
}

// EscalateSLA adapts the breach detector to a job function. Batch errors are
// carried in the report; they become the job error so the failure is logged
// and the next tick retries.
func EscalateSLA(det *sla.Detector) func(context.Context) error {
	return func(ctx context.Context) error {
		report := det.DetectBreaches(ctx)
		if len(report.Errors) > 0 {
			return fmt.Errorf("jobs: breach sweep: %s", report.Errors[0])
		}
		return nil
	}
}

// VerifyAuditChain adapts chain verification to a job function. A mismatch is
// a terminal finding: it is reported every run until investigated, never
// repaired.
func VerifyAuditChain(ver *audit.Verifier, metrics *observability.Metrics) func(context.Context) error {
	return func(ctx context.Context) error {
		report, err := ver.VerifyChain(ctx)
		if err != nil {
			return err
		}
		metrics.RecordVerification(ctx, report.OK)
		if !report.OK {
			return contracts.Errorf(contracts.CodeAuditChainMismatch,
				"chain mismatch at event %s after %d verified", report.MismatchEventID, report.Checked)
		}
		return nil
	}
}
