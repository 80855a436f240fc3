package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWhisper writes a script that mimics the whisper CLI: it takes the
// audio path and --output_dir, and writes <name>.txt with fixed content.
func fakeWhisper(t *testing.T, transcript string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whisper")
	script := `#!/bin/sh
audio="$1"; shift
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output_dir) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
base=$(basename "$audio")
name="${base%.*}"
printf '%s\n' "` + transcript + `" > "$out/$name.txt"
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return path
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{WhisperEnabled: true}, zerolog.Nop())
	assert.Error(t, err, "whisper enabled needs a binary path")

	_, err = New(Config{}, zerolog.Nop())
	assert.Error(t, err, "at least one backend is required")
}

func TestTranscribe_Local(t *testing.T) {
	tr, err := New(Config{
		WhisperEnabled: true,
		WhisperBinary:  fakeWhisper(t, "design a separator"),
		WhisperModel:   "base",
	}, zerolog.Nop())
	require.NoError(t, err)

	transcript, err := tr.Transcribe(context.Background(), "query.wav", []byte("fake audio"))
	require.NoError(t, err)
	assert.Equal(t, "design a separator", transcript)
}

func TestTranscribe_NoSpeech(t *testing.T) {
	tr, err := New(Config{
		WhisperEnabled: true,
		WhisperBinary:  fakeWhisper(t, "Thank you."),
		WhisperModel:   "base",
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), "silence.wav", []byte("fake audio"))
	assert.ErrorIs(t, err, ErrNoSpeech)
}

func TestTranscribe_EmptyPayload(t *testing.T) {
	tr, err := New(Config{
		WhisperEnabled: true,
		WhisperBinary:  fakeWhisper(t, "anything"),
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), "query.wav", nil)
	assert.Error(t, err)
}

func TestTranscribe_LocalFailureNoFallback(t *testing.T) {
	tr, err := New(Config{
		WhisperEnabled: true,
		WhisperBinary:  "/nonexistent/whisper",
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), "query.wav", []byte("fake audio"))
	assert.Error(t, err)
}

func TestCheckSpeech(t *testing.T) {
	got, err := checkSpeech("  real words here ")
	require.NoError(t, err)
	assert.Equal(t, "real words here", got)

	for _, filler := range []string{"", "you", "You.", "Thank you.", "Thanks for watching!"} {
		_, err := checkSpeech(filler)
		assert.ErrorIs(t, err, ErrNoSpeech, "filler %q", filler)
	}
}
