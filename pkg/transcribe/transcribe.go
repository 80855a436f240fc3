// Package transcribe converts audio attachments to text. A local whisper
// binary is preferred when configured; the OpenAI transcription API serves
// as the fallback path. Audio that produces no recognizable speech is a
// distinct error so callers can reject it as a validation failure rather
// than an internal one.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/arkon-ai/arkon/internal/observability"
	"github.com/arkon-ai/arkon/internal/tracing"
)

// ErrNoSpeech indicates the audio decoded fine but contained no speech.
var ErrNoSpeech = errors.New("no speech detected")

// Config configures the transcriber.
type Config struct {
	// WhisperEnabled selects the local whisper binary path first.
	WhisperEnabled bool
	WhisperBinary  string
	WhisperModel   string
	// Language hint passed to both backends; empty means autodetect.
	Language string
	// OpenAI fallback. An empty key disables the fallback.
	OpenAIAPIKey string
	OpenAIModel  string
}

// Transcriber turns audio bytes into a transcript.
type Transcriber struct {
	cfg    Config
	client *openai.Client
	logger zerolog.Logger
}

// New creates a transcriber. At least one backend must be usable.
func New(cfg Config, logger zerolog.Logger) (*Transcriber, error) {
	observability.EnsureRegistered()

	if cfg.WhisperEnabled && cfg.WhisperBinary == "" {
		return nil, fmt.Errorf("whisper binary path is required when whisper is enabled")
	}
	if !cfg.WhisperEnabled && cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("no transcription backend configured")
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "whisper-1"
	}

	t := &Transcriber{cfg: cfg, logger: logger}
	if cfg.OpenAIAPIKey != "" {
		client := openai.NewClient(option.WithAPIKey(cfg.OpenAIAPIKey))
		t.client = &client
	}
	return t, nil
}

// Transcribe converts the named audio payload to text. The local backend is
// tried first when enabled; its failure falls through to the API backend
// when one is configured.
func (t *Transcriber) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "arkon.transcribe", "transcribe.run")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, t.logger)

	if len(audio) == 0 {
		return "", fmt.Errorf("audio payload is empty")
	}

	if t.cfg.WhisperEnabled {
		transcript, err := t.transcribeLocal(ctx, filename, audio)
		observability.RecordTranscription("whisper_local", err == nil)
		if err == nil {
			return checkSpeech(transcript)
		}
		if t.client == nil {
			return "", err
		}
		logger.Warn().Err(err).Msg("Local whisper failed, falling back to API")
	}

	transcript, err := t.transcribeAPI(ctx, filename, audio)
	observability.RecordTranscription("openai", err == nil)
	if err != nil {
		return "", err
	}
	return checkSpeech(transcript)
}

func (t *Transcriber) transcribeLocal(ctx context.Context, filename string, audio []byte) (string, error) {
	tmpDir, err := os.MkdirTemp("", "whisper-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	audioPath := filepath.Join(tmpDir, filepath.Base(filename))
	if err := os.WriteFile(audioPath, audio, 0o600); err != nil {
		return "", fmt.Errorf("failed to stage audio file: %w", err)
	}

	args := []string{
		audioPath,
		"--model", t.cfg.WhisperModel,
		"--output_dir", tmpDir,
		"--output_format", "txt",
		"--verbose", "False",
	}
	if t.cfg.Language != "" {
		args = append(args, "--language", t.cfg.Language)
	}

	cmd := exec.CommandContext(ctx, t.cfg.WhisperBinary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("whisper command failed: %w (output: %s)", err, string(output))
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	txtData, err := os.ReadFile(filepath.Join(tmpDir, base+".txt"))
	if err != nil {
		return "", fmt.Errorf("failed to read transcription output: %w", err)
	}
	return strings.TrimSpace(string(txtData)), nil
}

func (t *Transcriber) transcribeAPI(ctx context.Context, filename string, audio []byte) (string, error) {
	if t.client == nil {
		return "", fmt.Errorf("no API transcription backend configured")
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), filepath.Base(filename), "application/octet-stream"),
		Model: openai.AudioModel(t.cfg.OpenAIModel),
	}
	if t.cfg.Language != "" {
		params.Language = openai.String(t.cfg.Language)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// checkSpeech maps an empty or filler-only transcript to ErrNoSpeech.
func checkSpeech(transcript string) (string, error) {
	cleaned := strings.TrimSpace(transcript)
	switch strings.ToLower(strings.Trim(cleaned, ".!? ")) {
	case "", "you", "thank you", "thanks for watching":
		// Whisper emits these hallucinated fillers on silent audio
		return "", ErrNoSpeech
	}
	return cleaned, nil
}
