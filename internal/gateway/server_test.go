package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkon-ai/arkon/pkg/dispatcher"
	"github.com/arkon-ai/arkon/pkg/identity"
	"github.com/arkon-ai/arkon/pkg/router"
	"github.com/arkon-ai/arkon/pkg/transcribe"
)

type fakeDispatcher struct {
	resp    dispatcher.Response
	err     error
	lastReq dispatcher.Request
	calls   int
}

func (f *fakeDispatcher) Handle(_ context.Context, req dispatcher.Request) (dispatcher.Response, error) {
	f.lastReq = req
	f.calls++
	if f.err != nil {
		return dispatcher.Response{}, f.err
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Files) == 0 {
		return dispatcher.Response{}, dispatcher.NewValidationError("request must carry text or at least one file")
	}
	return f.resp, nil
}

func (f *fakeDispatcher) ValidateFiles(files []dispatcher.File) error {
	for _, file := range files {
		if file.Kind == dispatcher.KindAudio && int64(len(file.Data)) > 25*1024*1024 {
			return dispatcher.NewValidationError("audio file %s exceeds the limit", file.Name)
		}
	}
	return nil
}

func (f *fakeDispatcher) AgentStatus() []router.AgentStatus {
	rows := make([]router.AgentStatus, 0, len(router.Tags()))
	for _, tag := range router.Tags() {
		rows = append(rows, router.AgentStatus{Name: string(tag), SuccessRate: 1.0})
	}
	return rows
}

type fakeTranscriber struct {
	transcript string
	err        error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string, _ []byte) (string, error) {
	return f.transcript, f.err
}

type fakeAccounts struct{}

func (fakeAccounts) Register(_ context.Context, email, password, _ string) (identity.UserIdentity, error) {
	if !strings.Contains(email, "@") || len(password) < 8 {
		return identity.UserIdentity{}, dispatcher.NewValidationError("invalid input")
	}
	return identity.UserIdentity{UserID: "u1", Email: email, Role: "user"}, nil
}

func (fakeAccounts) Login(_ context.Context, email, password string) (string, identity.Claims, error) {
	if email != "eng@example.com" || password != "s3cretpass" {
		return "", identity.Claims{}, identity.ErrInvalidCredentials
	}
	return "signed-token", identity.Claims{
		UserID:    "u1",
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}, nil
}

func (fakeAccounts) Verify(token string) (identity.UserIdentity, error) {
	if token != "signed-token" {
		return identity.UserIdentity{}, identity.ErrTokenSignature
	}
	return identity.UserIdentity{UserID: "u1", Email: "eng@example.com", Role: "user"}, nil
}

func newTestServer(t *testing.T, d *fakeDispatcher, tr Transcriber) *httptest.Server {
	t.Helper()
	s, err := NewServer(Config{
		Host:        "127.0.0.1",
		Port:        8080,
		Dispatcher:  d,
		Transcriber: tr,
		Accounts:    fakeAccounts{},
		ModelLoaded: true,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["model_loaded"])
	assert.Equal(t, "cpu", body["device"])
}

func TestQuery_Success(t *testing.T) {
	d := &fakeDispatcher{resp: dispatcher.Response{
		Text: "here you go", SessionID: "sess-1", Agent: "crm", Confidence: 0.5,
	}}
	ts := newTestServer(t, d, nil)

	resp := postJSON(t, ts.URL+"/query", map[string]string{"text": "show me the pipeline"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "here you go", body["response"])
	assert.Equal(t, "sess-1", body["session_id"])
	assert.Equal(t, "crm", body["agent"])
	assert.Equal(t, "show me the pipeline", d.lastReq.Text)
	assert.NotEmpty(t, d.lastReq.SourceIP)
}

func TestQuery_Empty(t *testing.T) {
	d := &fakeDispatcher{}
	ts := newTestServer(t, d, nil)

	resp := postJSON(t, ts.URL+"/query", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestQuery_Timeout(t *testing.T) {
	d := &fakeDispatcher{resp: dispatcher.Response{
		Text: dispatcher.TimeoutMessage, SessionID: "sess-1", Agent: "design", TimedOut: true,
	}}
	ts := newTestServer(t, d, nil)

	resp := postJSON(t, ts.URL+"/query", map[string]string{"text": "long design job"})
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, dispatcher.TimeoutMessage, body["error"])
	assert.Equal(t, "sess-1", body["session_id"])
}

func TestQuery_BearerTokenForwarded(t *testing.T) {
	d := &fakeDispatcher{resp: dispatcher.Response{Text: "ok"}}
	ts := newTestServer(t, d, nil)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/query",
		strings.NewReader(`{"text":"hello"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer my-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "my-token", d.lastReq.Token)
}

func multipartAudio(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestTranscribe_Success(t *testing.T) {
	d := &fakeDispatcher{resp: dispatcher.Response{Text: "done", SessionID: "sess-1", Agent: "general"}}
	ts := newTestServer(t, d, &fakeTranscriber{transcript: "design a separator"})

	body, contentType := multipartAudio(t, "audio", "voice.wav", []byte("fake audio"))
	resp, err := http.Post(ts.URL+"/transcribe", contentType, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode(t, resp)
	assert.Equal(t, "design a separator", out["transcript"])
	assert.Equal(t, "done", out["response"])
	assert.Equal(t, "design a separator", d.lastReq.Text)
}

func TestTranscribe_MissingAudio(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, &fakeTranscriber{transcript: "x"})

	body, contentType := multipartAudio(t, "not-audio", "voice.wav", []byte("fake"))
	resp, err := http.Post(ts.URL+"/transcribe", contentType, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTranscribe_OversizedRejectedBeforeTranscription(t *testing.T) {
	d := &fakeDispatcher{}
	ts := newTestServer(t, d, &fakeTranscriber{transcript: "should never be used"})

	body, contentType := multipartAudio(t, "audio", "big.wav", make([]byte, 26*1024*1024))
	resp, err := http.Post(ts.URL+"/transcribe", contentType, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 0, d.calls, "oversized audio must not reach the dispatcher")
}

func TestTranscribe_NoSpeech(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, &fakeTranscriber{err: transcribe.ErrNoSpeech})

	body, contentType := multipartAudio(t, "audio", "silence.wav", []byte("fake"))
	resp, err := http.Post(ts.URL+"/transcribe", contentType, body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, nil)

	// Register
	resp := postJSON(t, ts.URL+"/auth/register", map[string]string{
		"email": "eng@example.com", "password": "s3cretpass",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "u1", decode(t, resp)["user_id"])

	// Bad registration input
	resp = postJSON(t, ts.URL+"/auth/register", map[string]string{"email": "nope", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Login
	resp = postJSON(t, ts.URL+"/auth/login", map[string]string{
		"email": "eng@example.com", "password": "s3cretpass",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "signed-token", body["token"])
	assert.NotEmpty(t, body["expires_at"])

	// Bad credentials
	resp = postJSON(t, ts.URL+"/auth/login", map[string]string{
		"email": "eng@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Verify
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/auth/verify", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer signed-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verified := decode(t, resp)["identity"].(map[string]interface{})
	assert.Equal(t, "u1", verified["user_id"])

	// Verify with a bad token
	req.Header.Set("Authorization", "Bearer forged")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestChat(t *testing.T) {
	d := &fakeDispatcher{resp: dispatcher.Response{
		Text: "the second train is idle", Agent: "crm", Confidence: 0.42, SessionID: "sess-1",
	}}
	ts := newTestServer(t, d, nil)

	resp := postJSON(t, ts.URL+"/v4/chat", map[string]string{"message": "what about train two"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "the second train is idle", body["reply"])
	assert.Equal(t, "crm", body["agent"])
	assert.InDelta(t, 0.42, body["confidence"].(float64), 0.001)
	assert.True(t, d.lastReq.Interactive, "chat turns reuse the session process")
}

func TestChat_MissingMessage(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, nil)

	resp := postJSON(t, ts.URL+"/v4/chat", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentStatus(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, nil)

	resp, err := http.Get(ts.URL + "/v4/agents/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	assert.Len(t, rows, 9)
}

func TestUnknownMethod(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, nil)

	resp, err := http.Get(ts.URL + "/query")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}
