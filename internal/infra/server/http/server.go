// Package httpserver exposes the health snapshot and runtime-subscription
// control endpoints for the stream engine.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/featherwire/aviary/internal/app/alerts"
	"github.com/featherwire/aviary/internal/app/engine"
	"github.com/featherwire/aviary/internal/app/filter"
	"github.com/featherwire/aviary/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	rootPath          = "/"
	statusPath        = "/status"
	runtimeConfigPath = "/config/runtime"
	swaggerSpecPath   = "/docs/openapi.json"
	swaggerUIPath     = "/docs"

	livenessMessage      = "aviary stream engine"
	statusFailureMessage = "Failed to get status"
)

// Engine is the stream-core surface the handlers read and retarget.
type Engine interface {
	Stats() engine.Stats
	LastError() error
	RuntimeSubscription() config.RuntimeSubscription
	SetRuntimeSubscription(ctx context.Context, channels, users []string) (config.RuntimeSubscription, error)
}

// AlertStats reports per-sink alert delivery counters.
type AlertStats interface {
	Counters() map[string]alerts.SinkCounters
}

// HealthStatus is the payload served by GET /status.
type HealthStatus struct {
	Connection ConnectionHealth       `json:"connection"`
	Events     EventHealth            `json:"events"`
	Alerts     map[string]AlertHealth `json:"alerts"`
	Filters    FilterHealth           `json:"filters"`
}

// ConnectionHealth summarises upstream connectivity.
type ConnectionHealth struct {
	Status    string `json:"status"`
	Endpoint  string `json:"endpoint"`
	Uptime    int64  `json:"uptime"`
	LastError string `json:"lastError,omitempty"`
}

// EventHealth carries the cumulative pipeline counters plus the ingest rate
// in events per second since monitor start.
type EventHealth struct {
	Total     uint64  `json:"total"`
	Delivered uint64  `json:"delivered"`
	Deduped   uint64  `json:"deduped"`
	Skipped   uint64  `json:"skipped"`
	Rate      float64 `json:"rate"`
}

// AlertHealth carries one sink's delivery counters.
type AlertHealth struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// FilterHealth reports the active user and keyword constraints.
type FilterHealth struct {
	Users    []string `json:"users"`
	Keywords []string `json:"keywords"`
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	core        Engine
	filters     *filter.Pipeline
	alerts      AlertStats
	startedAt   time.Time
}

type subscriptionPayload struct {
	Channels []string `json:"channels"`
	Users    []string `json:"users"`
}

// NewHandler creates the HTTP handler for the health and control endpoints.
// The dispatcher may be nil when alerting is disabled; the alerts block of the
// status payload is then served empty.
func NewHandler(environment config.Environment, core *engine.Core, filters *filter.Pipeline, dispatcher *alerts.Dispatcher) http.Handler {
	server := &httpServer{environment: environment, filters: filters, startedAt: time.Now()}
	if core != nil {
		server.core = core
	}
	if dispatcher != nil {
		server.alerts = dispatcher
	}
	return server.routes()
}

func (s *httpServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(rootPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getRoot,
	}))
	mux.Handle(statusPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getStatus,
	}))
	mux.Handle(runtimeConfigPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.exportRuntimeSubscription,
		http.MethodPut: s.importRuntimeSubscription,
	}))

	if s.environment == config.EnvDev {
		mux.Handle(swaggerSpecPath, http.HandlerFunc(s.serveSwaggerSpec))
		mux.Handle(swaggerUIPath, http.HandlerFunc(s.serveSwaggerUI))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getRoot(w http.ResponseWriter, r *http.Request) {
	// "/" matches every path the mux has no better route for.
	if r.URL.Path != rootPath {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": livenessMessage})
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := s.buildHealthStatus()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": statusFailureMessage})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *httpServer) buildHealthStatus() (HealthStatus, error) {
	if s.core == nil {
		return HealthStatus{}, fmt.Errorf("stream engine not wired")
	}

	stats := s.core.Stats()
	uptime := s.uptimeSeconds()

	connection := ConnectionHealth{
		Status:   string(stats.ConnectionStatus),
		Endpoint: stats.CurrentEndpoint,
		Uptime:   uptime,
	}
	if lastErr := s.core.LastError(); lastErr != nil {
		connection.LastError = lastErr.Error()
	}

	events := EventHealth{
		Total:     stats.TotalEvents,
		Delivered: stats.DeliveredEvents,
		Deduped:   stats.DedupedEvents,
		Skipped:   stats.SkippedEvents,
		Rate:      eventRate(stats.TotalEvents, uptime),
	}

	alertsBlock := make(map[string]AlertHealth)
	if s.alerts != nil {
		for name, counters := range s.alerts.Counters() {
			alertsBlock[name] = AlertHealth{Sent: counters.Sent, Failed: counters.Failed}
		}
	}

	filters := FilterHealth{Users: []string{}, Keywords: []string{}}
	if s.filters != nil {
		cfg := s.filters.Config()
		if len(cfg.Users) > 0 {
			filters.Users = cfg.Users
		}
		if len(cfg.Keywords) > 0 {
			filters.Keywords = cfg.Keywords
		}
	}

	return HealthStatus{
		Connection: connection,
		Events:     events,
		Alerts:     alertsBlock,
		Filters:    filters,
	}, nil
}

func (s *httpServer) uptimeSeconds() int64 {
	if s.startedAt.IsZero() {
		return 0
	}
	seconds := int64(time.Since(s.startedAt).Seconds())
	if seconds < 0 {
		return 0
	}
	return seconds
}

// eventRate divides the cumulative total by the elapsed seconds, clamped to a
// one-second floor, rounded to two decimals.
func eventRate(total uint64, uptimeSeconds int64) float64 {
	denom := uptimeSeconds
	if denom < 1 {
		denom = 1
	}
	return math.Round(float64(total)/float64(denom)*100) / 100
}

func (s *httpServer) exportRuntimeSubscription(w http.ResponseWriter, _ *http.Request) {
	if s.core == nil {
		writeError(w, http.StatusServiceUnavailable, "stream engine unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.core.RuntimeSubscription())
}

func (s *httpServer) importRuntimeSubscription(w http.ResponseWriter, r *http.Request) {
	if s.core == nil {
		writeError(w, http.StatusServiceUnavailable, "stream engine unavailable")
		return
	}
	limitRequestBody(w, r)
	payload, err := decodeSubscriptionPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	applied, err := s.core.SetRuntimeSubscription(r.Context(), payload.Channels, payload.Users)
	if err != nil {
		// A zero subscription means the request was rejected outright; a
		// populated one was accepted but the engine failed to retarget.
		if len(applied.Channels) == 0 {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, applied)
}

func decodeSubscriptionPayload(r *http.Request) (subscriptionPayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload subscriptionPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func (s *httpServer) serveSwaggerSpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(swaggerSpec))
}

func (s *httpServer) serveSwaggerUI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != swaggerUIPath {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(swaggerUIHTML))
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

const swaggerSpec = `{
  "openapi": "3.0.3",
  "info": {
    "title": "Aviary Control API",
    "version": "1.0.0",
    "description": "Health and runtime-subscription surface for the Aviary stream engine."
  },
  "servers": [
    { "url": "http://localhost:8880", "description": "Local development" }
  ],
  "paths": {
    "/": {
      "get": {
        "summary": "Liveness probe",
        "responses": {
          "200": { "description": "Service is up" }
        }
      }
    },
    "/status": {
      "get": {
        "summary": "Stream health snapshot",
        "responses": {
          "200": { "description": "Health snapshot" },
          "500": { "description": "Snapshot unavailable" }
        }
      }
    },
    "/config/runtime": {
      "get": {
        "summary": "Export runtime subscription",
        "responses": {
          "200": { "description": "Runtime subscription" }
        }
      },
      "put": {
        "summary": "Replace runtime subscription",
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": { "type": "object" }
            }
          }
        },
        "responses": {
          "200": { "description": "Subscription applied" },
          "400": { "description": "Validation error" }
        }
      }
    }
  }
}`

var swaggerUIHTML = fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>Aviary API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>
    body { margin:0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.addEventListener('load', function() {
      SwaggerUIBundle({
        url: '%s',
        dom_id: '#swagger-ui',
        presets: [SwaggerUIBundle.presets.apis],
        layout: 'BaseLayout'
      });
    });
  </script>
</body>
</html>`, swaggerSpecPath)
