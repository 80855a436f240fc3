package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arkon-ai/arkon/internal/observability"
	"github.com/arkon-ai/arkon/internal/tracing"
)

// sessionProc is a persistent engine process bound to one session. The
// protocol is line-oriented: one prompt line in, one response line out.
type sessionProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	exited chan struct{}

	// lastUsed orders idle processes for eviction. Guarded by the
	// owning sessionTable's mutex.
	lastUsed time.Time

	// mu serializes turns so interleaved prompts cannot cross-read
	// each other's responses.
	mu sync.Mutex
}

func (p *sessionProc) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *sessionProc) kill() {
	if p.cmd.Process != nil {
		killGroup(p.cmd.Process.Pid)
	}
}

// sessionTable holds at most one live process per session id.
type sessionTable struct {
	mu    sync.Mutex
	procs map[string]*sessionProc
}

func newSessionTable() *sessionTable {
	return &sessionTable{procs: make(map[string]*sessionProc)}
}

// getOrSpawn returns the session's live process, replacing one that has
// exited or been reaped by a prior timeout. Spawning counts against max: at
// capacity the least recently used idle process is reaped first, so live
// session processes never exceed the pool bound.
func (t *sessionTable) getOrSpawn(sessionID string, max int, spawn func() (*sessionProc, error)) (*sessionProc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.procs[sessionID]; ok && p.alive() {
		p.lastUsed = time.Now()
		return p, nil
	}

	// Exited processes hold no slot; drop their entries first.
	for id, p := range t.procs {
		if !p.alive() {
			delete(t.procs, id)
		}
	}

	// Every busy process belongs to a turn holding a pool slot, and the
	// caller holds one too, so at capacity an idle victim always exists.
	for len(t.procs) >= max {
		id, victim := t.lruIdle()
		if victim == nil {
			break
		}
		victim.kill()
		delete(t.procs, id)
		victim.mu.Unlock()
	}

	p, err := spawn()
	if err != nil {
		return nil, err
	}
	p.lastUsed = time.Now()
	t.procs[sessionID] = p
	return p, nil
}

// lruIdle picks the least recently used process not currently serving a
// turn. The winner is returned with its turn mutex held so no turn can
// start on it before it is reaped.
func (t *sessionTable) lruIdle() (string, *sessionProc) {
	var victimID string
	var victim *sessionProc
	for id, p := range t.procs {
		if !p.mu.TryLock() {
			continue
		}
		if victim == nil || p.lastUsed.Before(victim.lastUsed) {
			if victim != nil {
				victim.mu.Unlock()
			}
			victimID, victim = id, p
		} else {
			p.mu.Unlock()
		}
	}
	return victimID, victim
}

func (t *sessionTable) remove(sessionID string, p *sessionProc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.procs[sessionID] == p {
		delete(t.procs, sessionID)
	}
}

func (t *sessionTable) killAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.procs {
		p.kill()
		delete(t.procs, id)
	}
}

// InvokeSession runs one interactive turn against the session's persistent
// engine process, spawning a fresh one if none is alive. Turns run on the
// same bounded lane as batch invocations, so persistent processes count
// against the pool and excess turns queue. The Interactive tier budget
// applies per turn; on timeout the process group is reaped and the next
// turn starts over with a new process.
func (o *Orchestrator) InvokeSession(ctx context.Context, sessionID, prompt string) (Result, error) {
	value, err := o.queue.EnqueueWithContext(ctx, poolLane, func(runCtx context.Context) (interface{}, error) {
		return o.runSessionTurn(runCtx, sessionID, prompt)
	}, nil)
	if err != nil {
		return Result{}, err
	}
	return value.(Result), nil
}

func (o *Orchestrator) runSessionTurn(ctx context.Context, sessionID, prompt string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "arkon.runner", "runner.invoke_session")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()

	proc, err := o.sessions.getOrSpawn(sessionID, o.cfg.MaxConcurrent, o.spawnSessionProc)
	if err != nil {
		return Result{}, err
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()

	// The line protocol cannot carry embedded newlines.
	flat := strings.ReplaceAll(strings.ReplaceAll(prompt, "\r\n", " "), "\n", " ")
	if _, err := io.WriteString(proc.stdin, flat+"\n"); err != nil {
		// Process died between the liveness check and the write. Reap it
		// and spawn a replacement for this turn.
		proc.kill()
		o.sessions.remove(sessionID, proc)

		proc, err = o.sessions.getOrSpawn(sessionID, o.cfg.MaxConcurrent, o.spawnSessionProc)
		if err != nil {
			return Result{}, err
		}
		proc.mu.Lock()
		defer proc.mu.Unlock()
		if _, err := io.WriteString(proc.stdin, flat+"\n"); err != nil {
			return Result{}, fmt.Errorf("failed to write to engine process: %w", err)
		}
	}

	var result Result
	select {
	case line, ok := <-proc.lines:
		duration := time.Since(start)
		if !ok {
			result = Result{Status: StatusFailed, ExitCode: -1, Duration: duration}
		} else {
			result = Result{Status: StatusCompleted, Stdout: line, Duration: duration}
		}
	case <-time.After(o.cfg.InteractiveTimeout):
		logger.Warn().
			Str("session_id", sessionID).
			Dur("timeout", o.cfg.InteractiveTimeout).
			Msg("Interactive turn timed out, reaping engine process")
		proc.kill()
		o.sessions.remove(sessionID, proc)
		result = Result{Status: StatusTimedOut, ExitCode: -1, Duration: time.Since(start)}
	}

	if !proc.alive() && result.Status == StatusFailed {
		o.sessions.remove(sessionID, proc)
	}

	observability.RecordSubprocess(TierInteractive.String(), result.Status.String(), result.Duration)
	return result, nil
}

func (o *Orchestrator) spawnSessionProc() (*sessionProc, error) {
	cmd := exec.Command(o.cfg.Command[0], o.cfg.Command[1:]...)
	cmd.Dir = o.cfg.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open engine stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine process: %w", err)
	}

	p := &sessionProc{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 16),
		exited: make(chan struct{}),
	}

	go func() {
		defer close(p.lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			select {
			case p.lines <- line:
				continue
			default:
			}
			// Buffer full: either a reader will drain it, or the process
			// was reaped with nobody listening. Bail on the latter rather
			// than block forever.
			select {
			case p.lines <- line:
			case <-p.exited:
				return
			}
		}
	}()
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()

	log.Debug().Int("pid", cmd.Process.Pid).Msg("Persistent engine process started")
	return p, nil
}

// Shutdown reaps every persistent session process.
func (o *Orchestrator) Shutdown() {
	o.sessions.killAll()
}
