// Package dispatcher composes the per-request pipeline: resolve identity,
// load or create the session, classify intent, pick a timeout tier, invoke
// the engine, and append the exchange to the session. Validation gates run
// before any side effect, so a rejected request mutates nothing and spawns
// nothing.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arkon-ai/arkon/internal/tracing"
	"github.com/arkon-ai/arkon/pkg/identity"
	"github.com/arkon-ai/arkon/pkg/router"
	"github.com/arkon-ai/arkon/pkg/runner"
	"github.com/arkon-ai/arkon/pkg/session"
)

// TimeoutMessage is the user-facing reply when the engine exceeds its
// budget. Deliberately distinct from generic failure wording.
const TimeoutMessage = "This is taking longer than expected. The request was stopped before it finished; please try again or simplify the query."

// Attachment kinds recognized by the size gates.
const (
	KindAudio    = "audio"
	KindDocument = "document"
)

// File is one uploaded attachment.
type File struct {
	Name        string
	ContentType string
	Kind        string
	Data        []byte
}

// Request is one inbound query.
type Request struct {
	Text     string
	Token    string
	SourceIP string
	Files    []File
	// Interactive requests reuse the session's persistent engine process.
	Interactive bool
}

// Response is the dispatcher's reply payload.
type Response struct {
	Text       string
	SessionID  string
	Agent      string
	Confidence float64
	TimedOut   bool
}

// Resolver resolves credentials to an identity. Never fails.
type Resolver interface {
	Resolve(ctx context.Context, creds identity.Credentials) identity.Identity
}

// SessionStore is the session persistence capability the dispatcher needs.
type SessionStore interface {
	GetOrCreate(ctx context.Context, id identity.Identity) (session.Session, error)
	Append(ctx context.Context, sessionID string, entry session.Entry) error
}

// Orchestrator runs engine invocations.
type Orchestrator interface {
	Invoke(ctx context.Context, task runner.Task) (runner.Result, error)
	InvokeSession(ctx context.Context, sessionID, prompt string) (runner.Result, error)
}

// Limits are the attachment size gates, checked before anything spawns.
type Limits struct {
	AudioMaxBytes    int64
	DocumentMaxBytes int64
}

// Dispatcher wires the pipeline together.
type Dispatcher struct {
	resolver Resolver
	sessions SessionStore
	router   *router.Router
	engine   Orchestrator
	stats    *router.StatsTracker
	limits   Limits
	logger   zerolog.Logger
}

// New creates a dispatcher. All collaborators are required.
func New(resolver Resolver, sessions SessionStore, rt *router.Router, engine Orchestrator, stats *router.StatsTracker, limits Limits, logger zerolog.Logger) (*Dispatcher, error) {
	if resolver == nil || sessions == nil || rt == nil || engine == nil || stats == nil {
		return nil, fmt.Errorf("all dispatcher collaborators are required")
	}
	if limits.AudioMaxBytes <= 0 || limits.DocumentMaxBytes <= 0 {
		return nil, fmt.Errorf("attachment size limits must be positive")
	}

	return &Dispatcher{
		resolver: resolver,
		sessions: sessions,
		router:   rt,
		engine:   engine,
		stats:    stats,
		limits:   limits,
		logger:   logger,
	}, nil
}

// ValidateFiles applies the size gates. Exposed so the transcription
// endpoint can reject oversized audio before decoding anything.
func (d *Dispatcher) ValidateFiles(files []File) error {
	for _, f := range files {
		size := int64(len(f.Data))
		switch f.Kind {
		case KindAudio:
			if size > d.limits.AudioMaxBytes {
				return NewValidationError("audio file %s exceeds the %d byte limit", f.Name, d.limits.AudioMaxBytes)
			}
		default:
			if size > d.limits.DocumentMaxBytes {
				return NewValidationError("document %s exceeds the %d byte limit", f.Name, d.limits.DocumentMaxBytes)
			}
		}
	}
	return nil
}

// Handle runs the full pipeline for one request. Validation failures
// return before any session mutation or subprocess invocation.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracing.StartSpan(ctx, "arkon.dispatcher", "dispatcher.handle")
	defer span.End()

	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Files) == 0 {
		return Response{}, NewValidationError("request must carry text or at least one file")
	}
	if err := d.ValidateFiles(req.Files); err != nil {
		return Response{}, err
	}

	id := d.resolver.Resolve(ctx, identity.Credentials{Token: req.Token, SourceIP: req.SourceIP})
	logger := tracing.LoggerFromContext(ctx, d.logger)

	sess, err := d.sessions.GetOrCreate(ctx, id)
	if err != nil {
		return Response{}, &InternalError{Err: fmt.Errorf("session load failed: %w", err)}
	}
	ctx = tracing.WithSessionID(ctx, sess.ID)

	atts := routerAttachments(req.Files)
	sel := d.router.Classify(text, atts)
	ctx = tracing.WithAgent(ctx, string(sel.Tag))

	tier := runner.TierStandard
	switch {
	case req.Interactive:
		tier = runner.TierInteractive
	case router.IsComplexDesign(text, atts):
		tier = runner.TierComplex
	}

	logger.Info().
		Str("identity", id.Display()).
		Str("agent", string(sel.Tag)).
		Float64("confidence", sel.Confidence).
		Str("tier", tier.String()).
		Msg("Dispatching query")

	result, err := d.invoke(ctx, sess.ID, text, req.Files, tier)
	if err != nil {
		d.stats.Record(sel.Tag, false)
		return Response{}, &InternalError{Err: err}
	}

	reply := d.replyFor(result)
	d.stats.Record(sel.Tag, result.Status == runner.StatusCompleted)

	// The exchange is recorded whatever the outcome, so a follow-up turn
	// sees that this one happened.
	now := time.Now().UTC()
	if appendErr := d.sessions.Append(ctx, sess.ID, session.Entry{Role: "user", Content: text, Timestamp: now}); appendErr != nil {
		logger.Error().Err(appendErr).Msg("Failed to append user entry")
	}
	if appendErr := d.sessions.Append(ctx, sess.ID, session.Entry{Role: "agent", Content: reply, Timestamp: now}); appendErr != nil {
		logger.Error().Err(appendErr).Msg("Failed to append agent entry")
	}

	if result.Status == runner.StatusFailed {
		return Response{}, &InternalError{Err: fmt.Errorf("engine exited with code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))}
	}

	return Response{
		Text:       reply,
		SessionID:  sess.ID,
		Agent:      string(sel.Tag),
		Confidence: sel.Confidence,
		TimedOut:   result.Status == runner.StatusTimedOut,
	}, nil
}

// AgentStatus reports the per-agent stats rows.
func (d *Dispatcher) AgentStatus() []router.AgentStatus {
	return d.stats.Status()
}

func (d *Dispatcher) invoke(ctx context.Context, sessionID, text string, files []File, tier runner.Tier) (runner.Result, error) {
	if tier == runner.TierInteractive {
		return d.engine.InvokeSession(ctx, sessionID, text)
	}

	task := runner.Task{
		SessionID: sessionID,
		Prompt:    text,
		Tier:      tier,
	}
	for _, f := range files {
		task.Attachments = append(task.Attachments, runner.Attachment{Name: f.Name, Data: f.Data})
	}
	return d.engine.Invoke(ctx, task)
}

func (d *Dispatcher) replyFor(result runner.Result) string {
	switch result.Status {
	case runner.StatusTimedOut:
		return TimeoutMessage
	case runner.StatusFailed:
		return "The request could not be completed."
	default:
		reply := strings.TrimSpace(result.Stdout)
		if reply == "" {
			// A silent completion still needs a recordable agent entry;
			// history rejects empty content.
			return "The request completed but produced no output."
		}
		return reply
	}
}

func routerAttachments(files []File) []router.Attachment {
	if len(files) == 0 {
		return nil
	}
	atts := make([]router.Attachment, 0, len(files))
	for _, f := range files {
		atts = append(atts, router.Attachment{
			Name:        f.Name,
			ContentType: f.ContentType,
			SizeBytes:   int64(len(f.Data)),
			Kind:        f.Kind,
		})
	}
	return atts
}
