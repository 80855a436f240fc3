package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arkon-ai/arkon/internal/observability"
	"github.com/arkon-ai/arkon/internal/tracing"
	"github.com/arkon-ai/arkon/pkg/taskqueue"
)

const poolLane = "runner"

// Config configures the orchestrator.
type Config struct {
	// Command is the engine binary and its fixed leading arguments.
	Command []string
	// WorkingDir is the engine's working directory.
	WorkingDir string
	// Tier budgets.
	StandardTimeout    time.Duration
	ComplexTimeout     time.Duration
	InteractiveTimeout time.Duration
	// MaxConcurrent bounds simultaneously live engine processes. Requests
	// beyond the bound queue rather than spawn.
	MaxConcurrent int
}

// Orchestrator runs engine processes under the tiered timeout policy.
type Orchestrator struct {
	cfg   Config
	queue *taskqueue.Queue

	sessions *sessionTable
}

// New creates an orchestrator. The queue bounds the process pool; pass a
// shared queue so the bound covers all callers.
func New(cfg Config, queue *taskqueue.Queue) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("engine command is required")
	}
	if cfg.StandardTimeout <= 0 || cfg.ComplexTimeout <= 0 || cfg.InteractiveTimeout <= 0 {
		return nil, fmt.Errorf("all timeout tiers must be positive")
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent processes must be at least 1")
	}
	if queue == nil {
		return nil, fmt.Errorf("task queue is required")
	}

	queue.SetConcurrency(poolLane, cfg.MaxConcurrent)

	return &Orchestrator{
		cfg:      cfg,
		queue:    queue,
		sessions: newSessionTable(),
	}, nil
}

// TimeoutFor returns the budget for a tier.
func (o *Orchestrator) TimeoutFor(tier Tier) time.Duration {
	switch tier {
	case TierComplex:
		return o.cfg.ComplexTimeout
	case TierInteractive:
		return o.cfg.InteractiveTimeout
	default:
		return o.cfg.StandardTimeout
	}
}

// Invoke runs one engine process for the task. The call queues if the pool
// is saturated. The returned Result is always well-formed; err is reserved
// for failures before the process could be attempted (scratch dir setup,
// unstageable attachments).
func (o *Orchestrator) Invoke(ctx context.Context, task Task) (Result, error) {
	value, err := o.queue.EnqueueWithContext(ctx, poolLane, func(runCtx context.Context) (interface{}, error) {
		return o.run(runCtx, task)
	}, nil)
	if err != nil {
		return Result{}, err
	}
	return value.(Result), nil
}

func (o *Orchestrator) run(ctx context.Context, task Task) (Result, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"arkon.runner",
		"runner.invoke",
		attribute.String("tier", task.Tier.String()),
		attribute.String("session_id", task.SessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	timeout := o.TimeoutFor(task.Tier)
	start := time.Now()

	scratch, err := os.MkdirTemp("", "arkon-task-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	// Scratch removal covers every exit path, including errors before the
	// process starts.
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			logger.Warn().Err(rmErr).Str("dir", scratch).Msg("Failed to remove scratch directory")
		}
	}()

	args := append([]string(nil), o.cfg.Command[1:]...)
	for _, att := range task.Attachments {
		path := filepath.Join(scratch, filepath.Base(att.Name))
		if err := os.WriteFile(path, att.Data, 0o600); err != nil {
			return Result{}, fmt.Errorf("failed to stage attachment %s: %w", att.Name, err)
		}
		args = append(args, path)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(o.cfg.Command[0], args...)
	cmd.Dir = o.cfg.WorkingDir
	cmd.Stdin = strings.NewReader(task.Prompt)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group so the watchdog can take down children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start engine process: %w", err)
	}

	observability.AddSubprocessLive(1)
	defer observability.AddSubprocessLive(-1)

	logger.Debug().
		Str("tier", task.Tier.String()).
		Dur("timeout", timeout).
		Int("pid", cmd.Process.Pid).
		Msg("Engine process started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// The watchdog, not the caller's context, owns process lifetime: a
	// disconnected caller never leaves an orphaned engine behind.
	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-time.After(timeout):
		timedOut = true
		killGroup(cmd.Process.Pid)
		waitErr = <-done
	}

	duration := time.Since(start)
	result := o.classify(timedOut, waitErr, stdout.String(), stderr.String(), duration)

	observability.RecordSubprocess(task.Tier.String(), result.Status.String(), duration)
	event := logger.Debug()
	if result.Status != StatusCompleted {
		event = logger.Warn()
	}
	event.
		Str("tier", task.Tier.String()).
		Str("status", result.Status.String()).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Engine process finished")

	return result, nil
}

func (o *Orchestrator) classify(timedOut bool, waitErr error, stdout, stderr string, duration time.Duration) Result {
	if timedOut {
		return Result{
			Status:        StatusTimedOut,
			PartialOutput: stdout,
			Stderr:        stderr,
			ExitCode:      -1,
			Duration:      duration,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return Result{
			Status:   StatusFailed,
			Stdout:   stdout,
			Stderr:   stderr,
			ExitCode: exitErr.ExitCode(),
			Duration: duration,
		}
	}
	if waitErr != nil {
		return Result{
			Status:   StatusFailed,
			Stdout:   stdout,
			Stderr:   stderr,
			ExitCode: -1,
			Duration: duration,
		}
	}

	return Result{
		Status:   StatusCompleted,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: 0,
		Duration: duration,
	}
}

// killGroup terminates the process group rooted at pid, taking down any
// children the engine spawned.
func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
