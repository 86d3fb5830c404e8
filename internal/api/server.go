// Package api provides the local REST control surface for the Heimdall
// daemon. The tray, `heimdall ctl` and third-party tooling all drive the
// daemon through it.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rennerdo30/heimdall/internal/config"
	"github.com/rennerdo30/heimdall/internal/conn"
	"github.com/rennerdo30/heimdall/internal/journal"
	"github.com/rennerdo30/heimdall/internal/orchestrator"
	"github.com/rennerdo30/heimdall/internal/wol"
)

// Daemon is the slice of the orchestrator the API exposes over HTTP.
type Daemon interface {
	Connect(ref string) error
	Disconnect(ref string) error
	Status(ref string) (conn.Status, error)
	Snapshot() orchestrator.Snapshot
	Devices() []wol.Status
	RDPTargets() []config.RDPConfig
	Wake(ctx context.Context, ref string) error
	LaunchRDP(ctx context.Context, ref string) error
}

// Config holds API configuration.
type Config struct {
	Daemon Daemon
	Token  string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Journal serves the recent event history when set.
	Journal *journal.Journal
	// ConfigGetter returns the sanitized runtime config.
	ConfigGetter func() interface{}
	// ConfigUpdater applies settings updates to the config file.
	ConfigUpdater func(updates map[string]interface{}) error
}

// API provides the REST API for the Heimdall daemon.
type API struct {
	daemon       Daemon
	token        string
	metrics      http.Handler
	journal      *journal.Journal
	getConfig    func() interface{}
	updateConfig func(updates map[string]interface{}) error
}

// New creates a new API server.
func New(cfg Config) *API {
	return &API{
		daemon:       cfg.Daemon,
		token:        cfg.Token,
		metrics:      cfg.Metrics,
		journal:      cfg.Journal,
		getConfig:    cfg.ConfigGetter,
		updateConfig: cfg.ConfigUpdater,
	}
}

// Handler returns the HTTP handler for the API.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(securityHeadersMiddleware)

	// Auth middleware if token is set
	if a.token != "" {
		r.Use(a.authMiddleware)
	}

	// CORS for local tooling
	r.Use(corsMiddleware)

	// Routes
	a.addAPIRoutes(r)

	return r
}

// addAPIRoutes adds all API routes to the router.
func (a *API) addAPIRoutes(r chi.Router) {
	r.Get("/api/v1/health", a.handleHealth)
	r.Get("/api/v1/version", a.handleVersion)
	r.Get("/api/v1/status", a.handleStatus)
	r.Get("/api/v1/events", a.handleEvents)

	// Connection routes
	r.Route("/api/v1/connections", func(r chi.Router) {
		r.Get("/", a.handleListConnections)
		r.Get("/{ref}", a.handleGetConnection)
		r.Post("/{ref}/connect", a.handleConnect)
		r.Post("/{ref}/disconnect", a.handleDisconnect)
	})

	// Device routes
	r.Route("/api/v1/devices", func(r chi.Router) {
		r.Get("/", a.handleListDevices)
		r.Post("/{ref}/wake", a.handleWake)
	})

	// RDP routes
	r.Route("/api/v1/rdp", func(r chi.Router) {
		r.Get("/", a.handleListRDPTargets)
		r.Post("/{ref}/launch", a.handleLaunchRDP)
	})

	// Config routes
	r.Route("/api/v1/config", func(r chi.Router) {
		r.Get("/", a.handleGetConfig)
		r.Put("/", a.handleUpdateConfig)
	})

	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// If no token is configured, allow all requests
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("Authorization")
		if token == "" {
			// Fallback to query parameter for scrapers that cannot set
			// headers
			token = r.URL.Query().Get("token")
		}

		// Remove "Bearer " prefix if present
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}

		// Use constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Allow requests from localhost on any port. Same-origin requests
		// carry no Origin header and need no CORS headers.
		allowedOrigin := ""
		if origin != "" && isLocalOrigin(origin) {
			allowedOrigin = origin
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isLocalOrigin checks if the origin is from localhost or 127.0.0.1
func isLocalOrigin(origin string) bool {
	localPrefixes := []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
		"http://[::1]",
		"https://[::1]",
	}
	for _, prefix := range localPrefixes {
		if len(origin) >= len(prefix) && origin[:len(prefix)] == prefix {
			// What follows must be empty, a port, or a path
			rest := origin[len(prefix):]
			if rest == "" || rest[0] == ':' || rest[0] == '/' {
				return true
			}
		}
	}
	return false
}

// securityHeadersMiddleware adds common security headers to all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")
		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")
		// XSS protection (legacy, but still useful)
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		// Referrer policy
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		// Content Security Policy for API responses
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		next.ServeHTTP(w, r)
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps daemon errors onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrUnknownConnection),
		errors.Is(err, orchestrator.ErrUnknownDevice),
		errors.Is(err, orchestrator.ErrUnknownTarget):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrQueueFull):
		status = http.StatusTooManyRequests
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}
