// Package worker runs out-of-process AI workers. Each invocation spawns one
// process, writes the whole input to its stdin, drains stdout and stderr
// concurrently, and enforces the profile timeout with SIGTERM followed by
// SIGKILL once the grace period runs out. The process is always reaped
// before Invoke returns.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/larder/internal/log"
	"github.com/mattjoyce/larder/internal/metrics"
	"github.com/mattjoyce/larder/internal/protocol"
	"github.com/mattjoyce/larder/internal/tracing"
)

const (
	// maxStdoutBytes caps captured worker stdout; anything beyond is drained
	// and discarded.
	maxStdoutBytes = 16 << 20

	// maxStderrBytes caps captured worker stderr.
	maxStderrBytes = 64 * 1024

	// pipeWaitDelay bounds how long Wait keeps copying output after the
	// process exits.
	pipeWaitDelay = 2 * time.Second
)

// Output is a successful invocation.
type Output struct {
	Response *protocol.Response
	Raw      []byte
	Stderr   string
	Elapsed  time.Duration
}

// Invoker spawns worker processes. It is safe for concurrent use; every call
// owns its own process.
type Invoker struct {
	logger *slog.Logger
	tracer trace.Tracer
}

func NewInvoker() *Invoker {
	return &Invoker{
		logger: log.WithComponent("worker"),
		tracer: tracing.Tracer("worker"),
	}
}

// Invoke runs one worker process for payload under profile p. Failures are
// returned as *Error; a worker that exits 0 with success=false is not an
// invocation failure and is returned as Output.
func (inv *Invoker) Invoke(ctx context.Context, p Profile, payload []byte) (*Output, error) {
	ctx, span := inv.tracer.Start(ctx, "worker.Invoke",
		trace.WithAttributes(
			attribute.String("worker.profile", p.Name),
			attribute.String("worker.command", p.Command),
			attribute.Int("worker.input_bytes", len(payload)),
		))
	defer span.End()

	start := time.Now()
	out, err := inv.run(ctx, p, payload)
	elapsed := time.Since(start)

	metrics.WorkerInvocations.WithLabelValues(p.Name, outcome(err)).Inc()
	metrics.WorkerDuration.WithLabelValues(p.Name).Observe(elapsed.Seconds())
	if err != nil {
		span.SetStatus(codes.Error, outcome(err))
		span.RecordError(err)
		return nil, err
	}
	out.Elapsed = elapsed
	return out, nil
}

func (inv *Invoker) run(ctx context.Context, p Profile, payload []byte) (*Output, error) {
	logger := inv.logger.With("profile", p.Name)

	input, err := p.encodeInput(payload)
	if err != nil {
		return nil, &Error{Kind: ErrInputUnavailable, Profile: p.Name, Err: err}
	}
	if p.Timeout <= 0 {
		return nil, &Error{Kind: ErrSpawnFailed, Profile: p.Name, Message: "profile has no timeout"}
	}

	// The timeout is measured from here, not from first output.
	timeoutTimer := time.NewTimer(p.Timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is managed below so SIGTERM comes first.
	cmd := exec.Command(p.Command, p.Args...)
	cmd.Dir = p.Dir
	cmd.WaitDelay = pipeWaitDelay
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &Error{Kind: ErrSpawnFailed, Profile: p.Name, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	stdout := &cappedBuffer{max: maxStdoutBytes}
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("spawning worker", "command", p.Command, "dir", p.Dir, "timeout", p.Timeout, "input_bytes", len(input))

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, &Error{Kind: ErrSpawnFailed, Profile: p.Name, Err: err}
	}
	metrics.WorkersInFlight.Inc()
	defer metrics.WorkersInFlight.Dec()

	// A worker may exit without reading all of stdin; the resulting EPIPE is
	// logged and never decides the outcome.
	go func() {
		defer stdin.Close()
		if _, err := stdin.Write(input); err != nil {
			logger.Debug("worker stdin write stopped early", "error", err)
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		logger.Warn("worker timed out, sending SIGTERM", "timeout", p.Timeout)
		inv.stop(cmd, p, waitErr, logger)
		return nil, &Error{
			Kind:    ErrTimeout,
			Profile: p.Name,
			Message: fmt.Sprintf("no result after %v", p.Timeout),
			Stderr:  stderr.String(),
		}

	case <-ctx.Done():
		logger.Warn("worker interrupted, sending SIGTERM", "error", ctx.Err())
		inv.stop(cmd, p, waitErr, logger)
		return nil, &Error{
			Kind:    ErrExecutionFailed,
			Profile: p.Name,
			Message: "interrupted before completion",
			Stderr:  stderr.String(),
			Err:     ctx.Err(),
		}

	case err := <-waitErr:
		stderrStr := stderr.String()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				logger.Warn("worker exited with non-zero status", "exit_code", exitErr.ExitCode(), "stderr", truncate(stderrStr, protocol.MaxPreviewBytes))
				msg := strings.TrimSpace(stderrStr)
				if msg == "" {
					msg = fmt.Sprintf("worker exited with code %d", exitErr.ExitCode())
				}
				return nil, &Error{
					Kind:     ErrExecutionFailed,
					Profile:  p.Name,
					Message:  msg,
					Stderr:   stderrStr,
					ExitCode: exitErr.ExitCode(),
				}
			}
			// Only exec.ErrWaitDelay is left here: the process exited 0 but a
			// descendant held the output pipes open past the delay.
			if !errors.Is(err, exec.ErrWaitDelay) {
				return nil, &Error{Kind: ErrExecutionFailed, Profile: p.Name, Stderr: stderrStr, Err: fmt.Errorf("wait for process: %w", err)}
			}
			logger.Warn("worker left output pipes open after exit", "error", err)
		}

		raw := stdout.Bytes()
		resp, err := protocol.Decode(raw)
		if err != nil {
			preview := protocol.Preview(raw)
			logger.Error("failed to decode worker response", "error", err, "stdout", preview)
			return nil, &Error{
				Kind:    ErrUnparseable,
				Profile: p.Name,
				Message: fmt.Sprintf("stdout began %q", preview),
				Stderr:  stderrStr,
				Err:     err,
			}
		}
		if stdout.Truncated() {
			logger.Warn("worker stdout exceeded capture limit", "limit_bytes", maxStdoutBytes)
		}
		return &Output{Response: resp, Raw: raw, Stderr: stderrStr}, nil
	}
}

// stop sends SIGTERM to the worker's process group, escalates to SIGKILL
// after the profile grace period, and waits for the process to be reaped.
func (inv *Invoker) stop(cmd *exec.Cmd, p Profile, waitErr <-chan error, logger *slog.Logger) {
	if err := terminate(cmd.Process); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(p.Grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("worker exited after SIGTERM")
	case <-grace.C:
		logger.Warn("worker did not exit after SIGTERM, sending SIGKILL", "grace", p.Grace)
		if err := kill(cmd.Process); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// cappedBuffer stores up to max bytes and silently discards the rest so the
// pipe keeps draining.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = len(p) > 0 || c.truncated
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte   { return c.buf.Bytes() }
func (c *cappedBuffer) String() string  { return c.buf.String() }
func (c *cappedBuffer) Truncated() bool { return c.truncated }

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:protocol.RuneBoundary([]byte(s), n)]
	}
	return s
}
