// Package server exposes the account operations as a JSON-over-HTTP API.
//
// Requests carry form or multipart bodies. The directory configuration a
// caller saved through /api/ldapinfo is kept server-side in a session store
// and referenced by the ldap_session cookie.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ad-unlock/internal/ldap"
	"github.com/isometry/ad-unlock/internal/service"
	"github.com/isometry/ad-unlock/internal/session"
)

// Subsystem is the tflog subsystem requests are logged under.
const Subsystem = "http"

// SessionCookieName names the cookie holding the session ID.
const SessionCookieName = "ldap_session"

// maxBodyBytes bounds form bodies.
const maxBodyBytes = 1 << 20

const shutdownTimeout = 10 * time.Second

// Options tunes the HTTP surface.
type Options struct {
	// CookieSecure forces the Secure flag on the session cookie. It is also
	// set whenever the request arrived over HTTPS.
	CookieSecure bool
}

// Server routes API requests to a service.Service.
type Server struct {
	service  *service.Service
	sessions *session.Store
	options  Options
	mux      *http.ServeMux
}

// New creates a Server backed by svc and sessions.
func New(svc *service.Service, sessions *session.Store, opts Options) *Server {
	s := &Server{
		service:  svc,
		sessions: sessions,
		options:  opts,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/ldapinfo", s.handleSaveConfig)
	s.mux.HandleFunc("GET /api/ldapinfo/status", s.handleConfigStatus)
	s.mux.HandleFunc("POST /api/ldapinfo/clear", s.handleClearConfig)
	s.mux.HandleFunc("POST /api/ldap/search", s.handleSearch)
	s.mux.HandleFunc("POST /api/unlock-account/check", s.handleCheck)
	s.mux.HandleFunc("POST /api/unlock-account/unlock", s.handleUnlock)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	return s
}

// ServeHTTP applies security headers and request logging around the routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx := tflog.SetField(r.Context(), "request_id", uuid.NewString())
	r = r.WithContext(ctx)

	setSecurityHeaders(w, r)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	tflog.SubsystemDebug(ctx, Subsystem, "Request handled", map[string]any{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status":      rec.status,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. Request contexts derive from ctx so they inherit its logger.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	tflog.SubsystemInfo(ctx, Subsystem, "Listening", map[string]any{
		"addr": listener.Addr().String(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	tflog.SubsystemInfo(ctx, Subsystem, "Stopped")
	return nil
}

// configStatus answers GET /api/ldapinfo/status.
type configStatus struct {
	Configured bool    `json:"configured"`
	Server     *string `json:"server"`
}

// configRequired is returned by operations run before /api/ldapinfo.
type configRequired struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Redirect string `json:"redirect"`
}

type health struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Sessions int64  `json:"sessions"`
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	fields, err := formFields(w, r, "server", "base_dn", "bind_user", "bind_password")
	if err != nil {
		writeFieldError(w, r, err)
		return
	}

	cfg := ldap.DirectoryConfig{
		Server:       fields["server"],
		BaseDN:       fields["base_dn"],
		BindDN:       fields["bind_user"],
		BindPassword: fields["bind_password"],
	}

	result := s.service.TestBind(r.Context(), cfg)
	if !result.Success {
		writeJSON(w, r, http.StatusOK, result)
		return
	}

	if err := s.storeConfig(w, r, cfg); err != nil {
		tflog.SubsystemError(r.Context(), Subsystem, "Failed to store session", map[string]any{
			"error": err.Error(),
		})
		writeJSON(w, r, http.StatusInternalServerError, service.TestBindResult{Message: "failed to store configuration"})
		return
	}

	writeJSON(w, r, http.StatusOK, service.TestBindResult{Success: true, Message: "LDAP configuration saved"})
}

func (s *Server) handleConfigStatus(w http.ResponseWriter, r *http.Request) {
	status := configStatus{}
	if cfg, ok := s.directoryConfig(r); ok {
		status.Configured = true
		status.Server = &cfg.Server
	}
	writeJSON(w, r, http.StatusOK, status)
}

func (s *Server) handleClearConfig(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		s.sessions.Delete(cookie.Value)
	}
	http.SetCookie(w, s.sessionCookie(r, "", -1))

	writeJSON(w, r, http.StatusOK, service.UnlockResult{Success: true, Message: "LDAP configuration cleared"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	fields, err := formFields(w, r, "username")
	if err != nil {
		writeFieldError(w, r, err)
		return
	}

	cfg, ok := s.requireConfig(w, r)
	if !ok {
		return
	}

	writeJSON(w, r, http.StatusOK, s.service.Lookup(r.Context(), cfg, fields["username"]))
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	fields, err := formFields(w, r, "username")
	if err != nil {
		writeFieldError(w, r, err)
		return
	}

	cfg, ok := s.requireConfig(w, r)
	if !ok {
		return
	}

	writeJSON(w, r, http.StatusOK, s.service.LockStatus(r.Context(), cfg, fields["username"]))
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	fields, err := formFields(w, r, "user_dn", "username")
	if err != nil {
		writeFieldError(w, r, err)
		return
	}

	cfg, ok := s.requireConfig(w, r)
	if !ok {
		return
	}

	writeJSON(w, r, http.StatusOK, s.service.Unlock(r.Context(), cfg, fields["user_dn"], fields["username"]))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, health{
		Status:   "healthy",
		Message:  "server is running",
		Sessions: s.sessions.Stats().Sessions,
	})
}

// directoryConfig returns the configuration attached to the request's session.
func (s *Server) directoryConfig(r *http.Request) (ldap.DirectoryConfig, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return ldap.DirectoryConfig{}, false
	}

	cfg, ok := s.sessions.Get(cookie.Value)
	if !ok || cfg.Server == "" {
		return ldap.DirectoryConfig{}, false
	}
	return cfg, true
}

// requireConfig writes the redirect response when no configuration is saved,
// and a 429 when the session has run out of directory operations.
func (s *Server) requireConfig(w http.ResponseWriter, r *http.Request) (ldap.DirectoryConfig, bool) {
	cfg, ok := s.directoryConfig(r)
	if !ok {
		writeJSON(w, r, http.StatusOK, configRequired{
			Message:  "no LDAP configuration; save one first",
			Redirect: service.ConfigRequiredRedirect,
		})
		return cfg, false
	}

	if cookie, err := r.Cookie(SessionCookieName); err == nil && !s.sessions.Allow(cookie.Value) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, r, http.StatusTooManyRequests, service.UnlockResult{Message: "too many requests; try again shortly"})
		return cfg, false
	}

	return cfg, true
}

// storeConfig saves cfg under the request's session, creating one if needed.
func (s *Server) storeConfig(w http.ResponseWriter, r *http.Request, cfg ldap.DirectoryConfig) error {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if err := s.sessions.Put(cookie.Value, cfg); err == nil {
			http.SetCookie(w, s.sessionCookie(r, cookie.Value, int(s.sessions.TTL().Seconds())))
			return nil
		}
	}

	id, err := s.sessions.Create(cfg)
	if err != nil {
		return err
	}

	http.SetCookie(w, s.sessionCookie(r, id, int(s.sessions.TTL().Seconds())))
	return nil
}

func (s *Server) sessionCookie(r *http.Request, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.options.CookieSecure || isHTTPSRequest(r),
		SameSite: http.SameSiteLaxMode,
	}
}

// fieldError reports missing form fields.
type fieldError struct {
	missing []string
}

func (e *fieldError) Error() string {
	return strings.Join(e.missing, ", ") + " required"
}

// formFields reads the named fields from a urlencoded or multipart body.
// Every field is required.
func formFields(w http.ResponseWriter, r *http.Request, names ...string) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}

	fields := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		value := r.PostFormValue(name)
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
			continue
		}
		fields[name] = value
	}

	if len(missing) > 0 {
		return nil, &fieldError{missing: missing}
	}
	return fields, nil
}

func writeFieldError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, r, http.StatusBadRequest, service.UnlockResult{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		tflog.SubsystemError(r.Context(), Subsystem, "Failed to encode response", map[string]any{
			"error": err.Error(),
		})
	}
}

// isHTTPSRequest reports whether the request arrived over TLS, directly or
// through a proxy that says so.
func isHTTPSRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Scheme"), "https")
}

func setSecurityHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	if isHTTPSRequest(r) {
		w.Header().Set("Strict-Transport-Security", "max-age=86400; includeSubDomains")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
