package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	outlook "github.com/BrianLeishman/go-outlook-mail"
)

const maxBodyBytes = 1 << 20

// Mailboxes is the part of *outlook.Service the HTTP layer uses.
type Mailboxes interface {
	RegisterAccounts(ctx context.Context, creds []outlook.Credential) ([]outlook.AccountResult, error)
	ListAccounts(ctx context.Context, checkLiveness bool) ([]outlook.AccountStatus, error)
	VerifyAccounts(ctx context.Context, creds []outlook.Credential) []outlook.VerificationResult
	DeleteAccounts(ctx context.Context, mailboxes []string) (*outlook.DeleteResult, error)
	ListEmails(ctx context.Context, req outlook.ListRequest) (*outlook.EmailList, error)
	DualView(ctx context.Context, req outlook.DualViewRequest) (*outlook.DualView, error)
	GetEmailDetail(ctx context.Context, mailbox, messageID string) (*outlook.MessageDetail, error)
	ListFolders(ctx context.Context, mailbox string) ([]outlook.Folder, error)
}

var _ Mailboxes = (*outlook.Service)(nil)

type Server struct {
	svc    Mailboxes
	admin  *AdminAuth
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(svc Mailboxes, admin *AdminAuth, logger *slog.Logger) *Server {
	server := &Server{svc: svc, admin: admin, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api", server.handleStatus)
	mux.HandleFunc("GET /health", server.handleStatus)
	mux.HandleFunc("GET /auth/config", server.handleAuthConfig)

	mux.Handle("POST /accounts", server.requireAdmin(server.handleRegister))
	mux.Handle("GET /accounts", server.requireAdmin(server.handleListAccounts))
	mux.Handle("POST /accounts/verify", server.requireAdmin(server.handleVerify))
	mux.Handle("DELETE /accounts", server.requireAdmin(server.handleDelete))

	mux.Handle("GET /emails/{email}", server.requireAdmin(server.handleListEmails))
	mux.Handle("GET /emails/{email}/dual-view", server.requireAdmin(server.handleDualView))
	mux.Handle("GET /emails/{email}/folders", server.requireAdmin(server.handleFolders))
	mux.Handle("GET /emails/{email}/{messageID}", server.requireAdmin(server.handleDetail))
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	started := time.Now()
	s.mux.ServeHTTP(rec, r)
	s.logger.Info("http request",
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(started),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !s.admin.Check(strings.TrimSpace(token)) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.respondError(w, http.StatusUnauthorized, "invalid or missing admin token")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "outlook-mail"})
}

func (s *Server) handleAuthConfig(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"auth_type":     "bearer",
		"auth_required": true,
		"hashed":        s.admin.Hashed(),
	})
}

type credentialPayload struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

func (p credentialPayload) credential() outlook.Credential {
	return outlook.Credential{Mailbox: p.Email, RefreshToken: p.RefreshToken, ClientID: p.ClientID}
}

// handleRegister accepts a single credential object or an array of them.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	body = bytes.TrimSpace(body)

	var payloads []credentialPayload
	batch := len(body) > 0 && body[0] == '['
	if batch {
		err = json.Unmarshal(body, &payloads)
	} else {
		var one credentialPayload
		err = json.Unmarshal(body, &one)
		payloads = []credentialPayload{one}
	}
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	creds := make([]outlook.Credential, len(payloads))
	for i, p := range payloads {
		creds[i] = p.credential()
	}
	results, err := s.svc.RegisterAccounts(r.Context(), creds)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if !batch {
		if results[0].Err != nil {
			s.writeServiceError(w, results[0].Err)
			return
		}
		s.respondJSON(w, http.StatusOK, results[0])
		return
	}

	type item struct {
		outlook.AccountResult
		Error string `json:"error,omitempty"`
	}
	out := make([]item, len(results))
	for i, res := range results {
		out[i] = item{AccountResult: res}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	check, _ := strconv.ParseBool(r.URL.Query().Get("check_status"))
	accounts, err := s.svc.ListAccounts(r.Context(), check)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"total_accounts": len(accounts),
		"accounts":       accounts,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accounts []credentialPayload `json:"accounts"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	creds := make([]outlook.Credential, len(req.Accounts))
	for i, p := range req.Accounts {
		creds[i] = p.credential()
	}
	results := s.svc.VerifyAccounts(r.Context(), creds)
	s.respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emails []string `json:"emails"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Emails) == 0 {
		s.respondError(w, http.StatusBadRequest, "emails is required")
		return
	}
	res, err := s.svc.DeleteAccounts(r.Context(), req.Emails)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view, err := outlook.ParseFolderView(q.Get("folder"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	page, ok := s.intParam(w, r, "page", 1)
	if !ok {
		return
	}
	size, ok := s.intParam(w, r, "page_size", outlook.DefaultPageSize)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(q.Get("force_refresh"))

	list, err := s.svc.ListEmails(r.Context(), outlook.ListRequest{
		Mailbox:      r.PathValue("email"),
		View:         view,
		Page:         page,
		PageSize:     size,
		ForceRefresh: force,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleDualView(w http.ResponseWriter, r *http.Request) {
	inboxPage, ok := s.intParam(w, r, "inbox_page", 1)
	if !ok {
		return
	}
	junkPage, ok := s.intParam(w, r, "junk_page", 1)
	if !ok {
		return
	}
	size, ok := s.intParam(w, r, "page_size", outlook.DefaultDualPageSize)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force_refresh"))

	view, err := s.svc.DualView(r.Context(), outlook.DualViewRequest{
		Mailbox:      r.PathValue("email"),
		InboxPage:    inboxPage,
		JunkPage:     junkPage,
		PageSize:     size,
		ForceRefresh: force,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.svc.ListFolders(r.Context(), r.PathValue("email"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"email_id": r.PathValue("email"), "folders": folders})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetEmailDetail(r.Context(), r.PathValue("email"), r.PathValue("messageID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, detail)
}

// intParam reads an optional integer query parameter; a malformed value is a
// 400.
func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return n, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "unable to read body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps the library's error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		ve *outlook.ValidationError
		ae *outlook.AuthError
		pe *outlook.PoolExhaustedError
		te *outlook.TimeoutError
		fe *outlook.FetchError
	)
	switch {
	case errors.As(err, &ve):
		s.respondError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, outlook.ErrNotFound), errors.Is(err, outlook.ErrMessageNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &te):
		// Also token-endpoint timeouts, which arrive inside an AuthError.
		s.respondError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &ae):
		if ae.Reason == outlook.AuthNetwork || ae.Reason == outlook.AuthServer {
			s.respondError(w, http.StatusBadGateway, ae.Error())
			return
		}
		s.respondError(w, http.StatusUnauthorized, ae.Error())
	case errors.As(err, &pe):
		w.Header().Set("Retry-After", "5")
		s.respondError(w, http.StatusServiceUnavailable, pe.Error())
	case errors.As(err, &fe):
		s.respondError(w, http.StatusBadGateway, fe.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, detail string) {
	s.respondJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}
