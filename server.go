package main

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/hotword"
	"github.com/oszuidwest/zwfm-wakeword/internal/observe"
	"github.com/oszuidwest/zwfm-wakeword/internal/server"
	"github.com/oszuidwest/zwfm-wakeword/internal/storage"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server exposes the wake-word service over HTTP and WebSocket.
type Server struct {
	config   *config.Config
	svc      *hotword.Service
	captures *storage.Store
	started  time.Time
}

// NewServer returns a new Server for svc.
func NewServer(cfg *config.Config, svc *hotword.Service, captures *storage.Store) *Server {
	return &Server{
		config:   cfg,
		svc:      svc,
		captures: captures,
		started:  time.Now(),
	}
}

// HTTPServer returns an [http.Server] listening on the configured port.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Snapshot().System.Port),
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := s.apiKeyAuth

	// Public routes
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observe.Handler())

	// Models
	mux.HandleFunc("GET /api/models", auth(s.handleListModels))
	mux.HandleFunc("POST /api/models/rescan", auth(s.handleRescan))
	mux.HandleFunc("GET /api/models/{name}", auth(s.handleGetModel))
	mux.HandleFunc("GET /api/models/{name}/confidence", auth(s.handleGetConfidence))
	mux.HandleFunc("PUT /api/models/{name}/confidence", auth(s.handleSetConfidence))
	mux.HandleFunc("POST /api/models/{name}/trigger", auth(s.handleTrigger))

	// Sessions
	mux.HandleFunc("POST /api/sessions/{name}", auth(s.handleEstablish))
	mux.HandleFunc("DELETE /api/sessions/{name}", auth(s.handleTerminate))
	mux.HandleFunc("GET /api/sessions/{name}", auth(s.handleSessionStatus))
	mux.HandleFunc("POST /api/sessions/{name}/restart", auth(s.handleRestart))

	// Recording
	mux.HandleFunc("GET /api/recording", auth(s.handleRecordingStatus))
	mux.HandleFunc("POST /api/recording/start", auth(s.handleStartRecording))
	mux.HandleFunc("POST /api/recording/stop", auth(s.handleStopRecording))

	// Misc
	mux.HandleFunc("GET /api/events", auth(s.handleEvents))
	mux.HandleFunc("GET /api/devices", auth(s.handleDevices))
	mux.HandleFunc("GET /api/settings", auth(s.handleGetSettings))
	mux.HandleFunc("POST /api/settings", auth(s.handleSettings))
	mux.HandleFunc("POST /api/notifications/test", auth(s.handleTestWebhook))
	mux.HandleFunc("POST /api/apikey/regenerate", auth(s.handleRegenerateKey))

	mux.HandleFunc("GET /ws", auth(s.handleWebSocket))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth returns middleware for API key authentication. Browsers cannot
// set headers on WebSocket upgrades, so the key may also be passed as the
// api_key query parameter.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.APIKey()
		if apiKey == "" {
			server.WriteMessage(w, http.StatusServiceUnavailable, "API key not configured")
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if providedKey == "" {
			providedKey = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			server.WriteMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// handleWebSocket streams service notifications to the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	server.ServeNotifications(w, r, s.svc.Events(), s.status())
}
