package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/larder/internal/events"
	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/log"
	"github.com/mattjoyce/larder/internal/metrics"
	"github.com/mattjoyce/larder/internal/projector"
	"github.com/mattjoyce/larder/internal/protocol"
	"github.com/mattjoyce/larder/internal/tracing"
	"github.com/mattjoyce/larder/internal/worker"
)

var (
	// ErrPersistence wraps job store failures surfaced to the submitter.
	ErrPersistence = errors.New("job store unavailable")
	// ErrShuttingDown is returned by Submit after Shutdown has begun.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
	// ErrRejected marks an exit-0 worker response with success=false.
	ErrRejected = errors.New("worker rejected input")
)

// Dispatcher runs each submitted job on its own goroutine.
type Dispatcher struct {
	store    JobStore
	inputs   InputSource
	runner   WorkerRunner
	hub      *events.Hub
	profiles map[string]worker.Profile
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closing bool
	active  sync.Map // job id -> struct{}

	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Dispatcher. profiles is keyed by job kind. maxConcurrent
// caps simultaneously running workers; 0 means unbounded. hub may be nil.
func New(store JobStore, inputs InputSource, runner WorkerRunner, hub *events.Hub, profiles map[string]worker.Profile, maxConcurrent int) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:    store,
		inputs:   inputs,
		runner:   runner,
		hub:      hub,
		profiles: profiles,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.WithComponent("dispatch"),
		tracer:   tracing.Tracer("dispatch"),
	}
	if maxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return d
}

type job struct {
	id       string
	kind     jobstore.Kind
	owner    string
	inputRef string
	profile  worker.Profile
}

// Submit creates a pending job and starts dispatching it. It returns as soon
// as the job record exists; the only error paths are an unknown kind and a
// failed create.
func (d *Dispatcher) Submit(ctx context.Context, kind jobstore.Kind, ownerID, inputRef string) (string, error) {
	profile, ok := d.profiles[string(kind)]
	if !ok {
		return "", fmt.Errorf("no worker profile for job kind %q", kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return "", ErrShuttingDown
	}

	id, err := d.store.Create(ctx, jobstore.CreateRequest{Kind: kind, OwnerID: ownerID, InputRef: inputRef})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	metrics.JobsTotal.WithLabelValues(string(kind), string(jobstore.StatusPending)).Inc()
	d.publish(ownerID, events.JobSubmitted, events.JobData{JobID: id, Kind: string(kind), Status: string(jobstore.StatusPending)})
	log.WithJob(id).Info("job submitted", "kind", kind, "owner_id", ownerID)

	j := job{id: id, kind: kind, owner: ownerID, inputRef: inputRef, profile: profile}
	d.active.Store(id, struct{}{})
	d.wg.Add(1)
	go d.run(j)
	return id, nil
}

// Active reports whether jobID is owned by a dispatch goroutine of this
// process.
func (d *Dispatcher) Active(jobID string) bool {
	_, ok := d.active.Load(jobID)
	return ok
}

// Wait blocks until every dispatched job has committed its terminal state.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown stops accepting jobs and waits for in-flight ones. When ctx
// expires first, running workers are interrupted and their jobs fail.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("shutdown deadline reached, interrupting running workers")
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) run(j job) {
	defer d.wg.Done()
	defer d.active.Delete(j.id)

	ctx, span := d.tracer.Start(d.ctx, "dispatch.job",
		trace.WithAttributes(
			attribute.String("job.id", j.id),
			attribute.String("job.kind", string(j.kind)),
		))
	defer span.End()

	logger := log.WithJob(j.id).With("kind", j.kind, "owner_id", j.owner)

	var (
		result  json.RawMessage
		failure error
	)
	// Every path, panics included, ends in exactly one terminal commit.
	defer func() {
		if r := recover(); r != nil {
			failure = fmt.Errorf("dispatch panic: %v", r)
			logger.Error("dispatch panicked", "panic", r)
		}
		if failure != nil {
			span.SetStatus(codes.Error, failure.Error())
		}
		d.commit(context.WithoutCancel(ctx), j, result, failure, logger)
	}()

	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			failure = &worker.Error{Kind: worker.ErrExecutionFailed, Profile: j.profile.Name, Message: "interrupted before completion", Err: err}
			return
		}
		defer d.sem.Release(1)
	}

	payload, err := d.inputs.Load(ctx, j.inputRef)
	if err != nil {
		failure = &worker.Error{Kind: worker.ErrInputUnavailable, Profile: j.profile.Name, Err: err}
		return
	}

	if err := d.store.MarkProcessing(ctx, j.id); err != nil {
		logger.Warn("failed to mark job processing, continuing", "error", err)
	} else {
		metrics.JobsTotal.WithLabelValues(string(j.kind), string(jobstore.StatusProcessing)).Inc()
		d.publish(j.owner, events.JobProcessing, events.JobData{JobID: j.id, Kind: string(j.kind), Status: string(jobstore.StatusProcessing)})
	}

	out, err := d.runner.Invoke(ctx, j.profile, payload)
	if err != nil {
		failure = err
		return
	}
	if !out.Response.Success {
		failure = &rejection{message: out.Response.Message}
		return
	}

	result, failure = projector.Normalize(j.kind, out.Response)
	if failure == nil {
		logger.Info("worker succeeded", "elapsed_ms", out.Elapsed.Milliseconds(), "result", string(result))
	}
}

// commit writes the terminal state. On failure it also releases the input.
func (d *Dispatcher) commit(ctx context.Context, j job, result json.RawMessage, failure error, logger *slog.Logger) {
	if failure == nil {
		if err := d.store.Complete(ctx, j.id, result); err != nil {
			logger.Error("failed to commit completed job", "error", err)
			return
		}
		metrics.JobsTotal.WithLabelValues(string(j.kind), string(jobstore.StatusCompleted)).Inc()
		d.publish(j.owner, events.JobCompleted, events.JobData{JobID: j.id, Kind: string(j.kind), Status: string(jobstore.StatusCompleted)})
		logger.Info("job completed")
		return
	}

	msg := FailureMessage(failure)
	logger.Warn("job failed", "error", failure, "message", msg)
	if err := d.store.Fail(ctx, j.id, msg); err != nil {
		logger.Error("failed to commit failed job", "error", err)
	} else {
		metrics.JobsTotal.WithLabelValues(string(j.kind), string(jobstore.StatusFailed)).Inc()
		d.publish(j.owner, events.JobFailed, events.JobData{JobID: j.id, Kind: string(j.kind), Status: string(jobstore.StatusFailed), Error: msg})
	}

	if err := d.inputs.Release(ctx, j.inputRef); err != nil {
		logger.Warn("failed to release job input", "input_ref", j.inputRef, "error", err)
	}
}

func (d *Dispatcher) publish(owner, eventType string, data events.JobData) {
	if d.hub != nil {
		d.hub.Publish(owner, eventType, data)
	}
}

type rejection struct {
	message string
}

func (r *rejection) Error() string {
	if r.message == "" {
		return ErrRejected.Error()
	}
	return ErrRejected.Error() + ": " + r.message
}

func (r *rejection) Is(target error) bool { return target == ErrRejected }

// maxMessageLen bounds stored failure messages.
const maxMessageLen = 300

// FailureMessage turns a dispatch failure into the message stored on the
// failed job.
func FailureMessage(err error) string {
	var rej *rejection
	if errors.As(err, &rej) {
		if rej.message == "" {
			return "analysis failed: the worker reported an error"
		}
		return clip(rej.message)
	}

	var werr *worker.Error
	if errors.As(err, &werr) {
		switch {
		case errors.Is(err, worker.ErrTimeout):
			return clip("analysis timed out: " + werr.Message)
		case errors.Is(err, worker.ErrInputUnavailable):
			return "analysis failed: the submitted input could not be read"
		case errors.Is(err, worker.ErrSpawnFailed):
			return "analysis failed: the worker could not be started"
		case errors.Is(err, worker.ErrUnparseable):
			return "analysis failed: the worker returned an unreadable response"
		case errors.Is(err, worker.ErrExecutionFailed):
			if werr.Message == "" {
				return "analysis failed: the worker exited with an error"
			}
			return clip("analysis failed: " + lastLine(werr.Message))
		}
	}
	return clip("analysis failed: " + err.Error())
}

// lastLine picks the final stderr line, where interpreters print the error.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// clip bounds s to maxMessageLen bytes without splitting a character.
func clip(s string) string {
	if len(s) > maxMessageLen {
		return s[:protocol.RuneBoundary([]byte(s), maxMessageLen)]
	}
	return s
}
