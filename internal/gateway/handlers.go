package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arkon-ai/arkon/internal/observability"
	"github.com/arkon-ai/arkon/internal/tracing"
	"github.com/arkon-ai/arkon/pkg/dispatcher"
	"github.com/arkon-ai/arkon/pkg/identity"
	"github.com/arkon-ai/arkon/pkg/transcribe"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics and stamps a trace id on the context.
func (s *Server) instrument(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		ctx := tracing.NewRequestContext(r.Context())
		fn(sw, r.WithContext(ctx))

		observability.RecordRequest(endpoint, strconv.Itoa(sw.status), time.Since(start))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the dispatcher error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		verr *dispatcher.ValidationError
		aerr *dispatcher.AuthError
		nerr *dispatcher.NotFoundError
		terr *dispatcher.TimeoutError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.As(err, &aerr):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": aerr.Error()})
	case errors.As(err, &nerr):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": nerr.Error()})
	case errors.As(err, &terr):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": terr.Error()})
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// clientIP prefers the forwarded chain's first hop over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"model_loaded": s.cfg.ModelLoaded,
		"device":       s.cfg.Device,
	})
}

// queryPayload is the JSON body accepted by /query and /v4/chat.
type queryPayload struct {
	Text    string `json:"text"`
	Message string `json:"message"`
}

// parseRequest builds a dispatcher request from either a JSON body or a
// multipart form carrying text plus files.
func (s *Server) parseRequest(r *http.Request) (dispatcher.Request, error) {
	req := dispatcher.Request{
		Token:    bearerToken(r),
		SourceIP: clientIP(r),
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(s.cfg.MaxBodyBytes); err != nil {
			return dispatcher.Request{}, dispatcher.NewValidationError("malformed multipart body: %v", err)
		}
		req.Text = r.FormValue("text")
		if r.MultipartForm != nil {
			for _, headers := range r.MultipartForm.File {
				for _, fh := range headers {
					file, err := readUpload(fh)
					if err != nil {
						return dispatcher.Request{}, err
					}
					req.Files = append(req.Files, file)
				}
			}
		}
		return req, nil
	}

	var payload queryPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		return dispatcher.Request{}, dispatcher.NewValidationError("malformed JSON body: %v", err)
	}
	req.Text = payload.Text
	if req.Text == "" {
		req.Text = payload.Message
	}
	return req, nil
}

func readUpload(fh *multipart.FileHeader) (dispatcher.File, error) {
	f, err := fh.Open()
	if err != nil {
		return dispatcher.File{}, dispatcher.NewValidationError("unreadable upload %s", fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return dispatcher.File{}, dispatcher.NewValidationError("unreadable upload %s", fh.Filename)
	}

	contentType := fh.Header.Get("Content-Type")
	kind := dispatcher.KindDocument
	if strings.HasPrefix(contentType, "audio/") {
		kind = dispatcher.KindAudio
	}
	return dispatcher.File{
		Name:        fh.Filename,
		ContentType: contentType,
		Kind:        kind,
		Data:        data,
	}, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	req, err := s.parseRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.cfg.Dispatcher.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if resp.TimedOut {
		writeJSON(w, http.StatusGatewayTimeout, map[string]interface{}{
			"error":      resp.Text,
			"session_id": resp.SessionID,
			"agent":      resp.Agent,
		})
		return
	}

	s.Broadcast("query.completed", map[string]interface{}{
		"session_id": resp.SessionID,
		"agent":      resp.Agent,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"response":   resp.Text,
		"session_id": resp.SessionID,
		"agent":      resp.Agent,
	})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.cfg.Transcriber == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transcription is not configured"})
		return
	}

	if err := r.ParseMultipartForm(s.cfg.MaxBodyBytes); err != nil {
		s.writeError(w, dispatcher.NewValidationError("malformed multipart body: %v", err))
		return
	}

	fhs := r.MultipartForm.File["audio"]
	if len(fhs) == 0 {
		s.writeError(w, dispatcher.NewValidationError("an audio file is required"))
		return
	}
	audio, err := readUpload(fhs[0])
	if err != nil {
		s.writeError(w, err)
		return
	}
	audio.Kind = dispatcher.KindAudio

	// Size gate runs before any transcription work starts.
	if err := s.cfg.Dispatcher.ValidateFiles([]dispatcher.File{audio}); err != nil {
		s.writeError(w, err)
		return
	}

	transcript, err := s.cfg.Transcriber.Transcribe(r.Context(), audio.Name, audio.Data)
	if err != nil {
		if errors.Is(err, transcribe.ErrNoSpeech) {
			s.writeError(w, dispatcher.NewValidationError("no speech detected"))
			return
		}
		s.writeError(w, err)
		return
	}

	resp, err := s.cfg.Dispatcher.Handle(r.Context(), dispatcher.Request{
		Text:     transcript,
		Token:    bearerToken(r),
		SourceIP: clientIP(r),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transcript": transcript,
		"response":   resp.Text,
		"session_id": resp.SessionID,
		"agent":      resp.Agent,
	})
}

type registerPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var payload registerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, dispatcher.NewValidationError("malformed JSON body"))
		return
	}

	user, err := s.cfg.Accounts.Register(r.Context(), payload.Email, payload.Password, payload.Role)
	if err != nil {
		s.writeError(w, dispatcher.NewValidationError("%v", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"user_id": user.UserID})
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var payload loginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, dispatcher.NewValidationError("malformed JSON body"))
		return
	}

	token, claims, err := s.cfg.Accounts.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			s.writeError(w, &dispatcher.AuthError{Reason: "invalid email or password"})
			return
		}
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": claims.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	token := bearerToken(r)
	if token == "" {
		s.writeError(w, &dispatcher.AuthError{Reason: "bearer token required"})
		return
	}

	user, err := s.cfg.Accounts.Verify(token)
	if err != nil {
		s.writeError(w, &dispatcher.AuthError{Reason: "invalid or expired token"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity": map[string]string{
			"user_id": user.UserID,
			"email":   user.Email,
			"role":    user.Role,
		},
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var payload queryPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, dispatcher.NewValidationError("malformed JSON body"))
		return
	}
	message := payload.Message
	if message == "" {
		message = payload.Text
	}
	if strings.TrimSpace(message) == "" {
		s.writeError(w, dispatcher.NewValidationError("message is required"))
		return
	}

	resp, err := s.cfg.Dispatcher.Handle(r.Context(), dispatcher.Request{
		Text:        message,
		Token:       bearerToken(r),
		SourceIP:    clientIP(r),
		Interactive: true,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if resp.TimedOut {
		writeJSON(w, http.StatusGatewayTimeout, map[string]interface{}{
			"error":      resp.Text,
			"session_id": resp.SessionID,
			"agent":      resp.Agent,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reply":      resp.Text,
		"agent":      resp.Agent,
		"confidence": resp.Confidence,
		"session_id": resp.SessionID,
	})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Dispatcher.AgentStatus())
}
