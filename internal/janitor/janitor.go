// Package janitor keeps the job table and the upload directory tidy. It fails
// jobs abandoned by a previous process and releases the inputs of jobs that
// finished long ago.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/log"
	"github.com/mattjoyce/larder/internal/tracing"
)

// InterruptedMessage is stored on jobs that were abandoned mid-flight.
const InterruptedMessage = "analysis failed: interrupted before completion"

// JobStore is what the janitor reads and resolves.
type JobStore interface {
	ListUnresolvedBefore(ctx context.Context, cutoff time.Time) ([]*jobstore.Job, error)
	ListResolvedBefore(ctx context.Context, cutoff time.Time) ([]*jobstore.Job, error)
	Fail(ctx context.Context, jobID string, message string) error
}

// Inputs releases stored job payloads.
type Inputs interface {
	Release(ctx context.Context, ref string) error
	CleanupIncomplete(ctx context.Context, olderThan time.Duration) (int, error)
}

// ActiveSet reports jobs still owned by a live dispatch goroutine.
type ActiveSet interface {
	Active(jobID string) bool
}

type Options struct {
	// Schedule is a standard cron spec or descriptor such as "@every 10m".
	Schedule string
	// OrphanAfter is the minimum age of a non-terminal job, not owned by
	// this process, before it is failed.
	OrphanAfter time.Duration
	// Retention is how long inputs of terminal jobs are kept.
	Retention time.Duration
}

// Report summarizes one sweep.
type Report struct {
	Orphaned int
	Released int
	Partial  int
}

type Janitor struct {
	store    JobStore
	inputs   Inputs
	active   ActiveSet
	opts     Options
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New validates opts and returns a Janitor. active may be nil.
func New(store JobStore, inputs Inputs, active ActiveSet, opts Options) (*Janitor, error) {
	sched, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", opts.Schedule, err)
	}
	if opts.OrphanAfter <= 0 {
		return nil, fmt.Errorf("orphan age must be positive")
	}
	return &Janitor{
		store:    store,
		inputs:   inputs,
		active:   active,
		opts:     opts,
		schedule: sched,
		now:      time.Now,
		logger:   log.WithComponent("janitor"),
		tracer:   tracing.Tracer("janitor"),
	}, nil
}

// Recover fails every non-terminal job not owned by this process. Run it at
// startup before accepting submissions: whatever is still pending then was
// left behind by a previous process.
func (j *Janitor) Recover(ctx context.Context) (int, error) {
	return j.failOrphans(ctx, j.now())
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	ctx, span := j.tracer.Start(ctx, "janitor.Sweep")
	defer span.End()

	var (
		report Report
		errs   []error
	)

	n, err := j.failOrphans(ctx, j.now().Add(-j.opts.OrphanAfter))
	report.Orphaned = n
	errs = append(errs, err)

	if j.opts.Retention > 0 {
		n, err = j.releaseExpired(ctx, j.now().Add(-j.opts.Retention))
		report.Released = n
		errs = append(errs, err)
	}

	// Partial uploads never live longer than a request.
	n, err = j.inputs.CleanupIncomplete(ctx, time.Hour)
	report.Partial = n
	errs = append(errs, err)

	span.SetAttributes(
		attribute.Int("janitor.orphaned", report.Orphaned),
		attribute.Int("janitor.released", report.Released),
		attribute.Int("janitor.partial", report.Partial),
	)
	return report, errors.Join(errs...)
}

// Start runs Sweep on the configured schedule until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) error {
	c := cron.New()
	c.Schedule(j.schedule, cron.FuncJob(func() {
		report, err := j.Sweep(ctx)
		if err != nil {
			j.logger.Error("janitor sweep failed", "error", err)
		}
		if report != (Report{}) {
			j.logger.Info("janitor sweep", "orphaned", report.Orphaned, "released", report.Released, "partial", report.Partial)
		}
	}))

	j.logger.Info("janitor started", "schedule", j.opts.Schedule)
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	j.logger.Info("janitor stopped")
	return nil
}

func (j *Janitor) failOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	jobs, err := j.store.ListUnresolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list unresolved jobs: %w", err)
	}

	failed := 0
	for _, job := range jobs {
		if j.active != nil && j.active.Active(job.ID) {
			continue
		}
		err := j.store.Fail(ctx, job.ID, InterruptedMessage)
		switch {
		case err == nil:
			failed++
			j.logger.Warn("failed orphaned job", "job_id", job.ID, "status", job.Status, "created_at", job.CreatedAt)
		case errors.Is(err, jobstore.ErrInvalidTransition):
			// Resolved since it was listed.
		default:
			return failed, fmt.Errorf("fail orphaned job %s: %w", job.ID, err)
		}
	}
	return failed, nil
}

func (j *Janitor) releaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	jobs, err := j.store.ListResolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list resolved jobs: %w", err)
	}
	released := 0
	for _, job := range jobs {
		if err := j.inputs.Release(ctx, job.InputRef); err != nil {
			j.logger.Warn("failed to release expired input", "job_id", job.ID, "error", err)
			continue
		}
		released++
	}
	return released, nil
}
