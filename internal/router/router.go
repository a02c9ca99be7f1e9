// Package router wires the DAV Handler behind authentication, well-known
// redirects, a health check, and per-request access logging, the same
// layering the teacher's router carries for its LDAP-backed handlers.
package router

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dav-engine/server/internal/auth"
	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/dav"
)

type Router struct {
	config  *config.Config
	handler *dav.Handler
	auth    *auth.Chain
	logger  zerolog.Logger
}

// New builds the top-level http.Handler: well-known redirects, /healthz,
// and the authenticated DAV base path.
func New(cfg *config.Config, h *dav.Handler, authn *auth.Chain, logger zerolog.Logger) http.Handler {
	r := &Router{config: cfg, handler: h, auth: authn, logger: logger}
	return r.setupRoutes()
}

func (r *Router) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	r.setupWellKnownRoutes(mux)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/push_subscription/", r.handlePushSubscription)
	mux.HandleFunc("/webhooks/subscriptions/upsert", r.handler.HandleWebhookUpsert)
	mux.HandleFunc("/webhooks/subscriptions/delete/", r.handleWebhookDelete)

	base := r.getBasePath()
	mux.HandleFunc(base, r.handleDAVRequest)
	if strings.HasSuffix(base, "/") {
		mux.HandleFunc(strings.TrimSuffix(base, "/"), r.handleDAVRequest)
	}

	return mux
}

func (r *Router) setupWellKnownRoutes(mux *http.ServeMux) {
	redirect := func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, r.getBasePath(), http.StatusMovedPermanently)
	}
	mux.HandleFunc("/.well-known/caldav", redirect)
	mux.HandleFunc("/.well-known/carddav", redirect)
}

func (r *Router) getBasePath() string {
	base := r.config.HTTP.BasePath
	if base == "" || base[0] != '/' {
		base = "/dav"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handlePushSubscription(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimPrefix(req.URL.Path, "/push_subscription/")
	r.handler.HandlePushSubscriptionDelete(w, req, id)
}

func (r *Router) handleWebhookDelete(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimPrefix(req.URL.Path, "/webhooks/subscriptions/delete/")
	r.handler.HandleWebhookDelete(w, req, id)
}

func (r *Router) handleDAVRequest(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}

	if req.Method == http.MethodOptions {
		r.handler.ServeHTTP(rec, req)
		r.logRequest(req, rec, start, "")
		return
	}

	p, err := r.authenticate(req)
	if err != nil || p == nil {
		r.logAttempt(req, "", err)
		w.Header().Set("WWW-Authenticate", `Basic realm="DAV", charset="UTF-8"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	r.handler.ServeHTTP(rec, req)
	r.logRequest(req, rec, start, p.UserID)
}

func (r *Router) authenticate(req *http.Request) (*auth.Principal, error) {
	authz := req.Header.Get("Authorization")
	lower := strings.ToLower(authz)

	if strings.HasPrefix(lower, "bearer ") && r.auth.BearerEnabled() {
		return r.auth.BearerAuthenticate(req.Context(), strings.TrimSpace(authz[7:]))
	}
	if r.auth.BasicEnabled() {
		if p, err := r.auth.BasicAuthenticate(req.Context(), authz); err == nil {
			return p, nil
		}
	}
	if cookie, err := req.Cookie(r.config.Auth.SessionCookieName); err == nil && r.auth.SessionEnabled() {
		return r.auth.SessionAuthenticate(req.Context(), cookie.Value)
	}
	return nil, errors.New("no auth")
}

func (r *Router) logRequest(req *http.Request, rec *statusRecorder, start time.Time, user string) {
	dur := time.Since(start)
	var logEvent *zerolog.Event
	switch req.Method {
	case "PROPFIND", "REPORT", http.MethodGet, http.MethodHead:
		logEvent = r.logger.Debug()
	default:
		logEvent = r.logger.Info()
	}
	logEntry := logEvent.
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", statusOrDefault(rec.status)).
		Int("bytes", rec.bytes).
		Float64("duration_ms", float64(dur.Microseconds())/1000.0).
		Str("ip", realIP(req)).
		Str("user_agent", req.Header.Get("User-Agent"))
	if user != "" {
		logEntry = logEntry.Str("user", user)
	}
	logEntry.Msg("http request")
}

func (r *Router) logAttempt(req *http.Request, username string, authErr error) {
	authz := req.Header.Get("Authorization")
	authType := ""
	if i := strings.IndexByte(authz, ' '); i > 0 {
		authType = strings.ToLower(authz[:i])
	}
	logEvent := r.logger.Info().
		Bool("auth_success", false).
		Str("user", username).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("ip", realIP(req)).
		Str("user_agent", req.Header.Get("User-Agent")).
		Str("auth_type", authType)
	if authErr != nil {
		logEvent = logEvent.Str("error", authErr.Error())
	}
	logEvent.Msg("auth attempt")
}
