package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/pipeline"
	"github.com/finshield-project/finshield/internal/store"
)

// Version is reported by the status endpoint. It is set at build time.
var Version = "dev"

// Server is the FinShield admin API. It listens separately from the
// admission proxy.
type Server struct {
	engine   *core.Engine
	pipeline *pipeline.Pipeline
	server   *http.Server
	logger   zerolog.Logger
	now      func() time.Time
}

// NewServer creates the admin API server.
func NewServer(engine *core.Engine, p *pipeline.Pipeline) *Server {
	cfg := engine.Config()
	s := &Server{
		engine:   engine,
		pipeline: p,
		logger:   engine.Logger.With().Str("component", "admin_api").Logger(),
		now:      time.Now,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/clear", s.handleAlertsClear).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/{id}", s.handleAlertByID).Methods(http.MethodGet, http.MethodPatch)
	v1.HandleFunc("/blocks", s.handleBlocks).Methods(http.MethodGet)
	v1.HandleFunc("/blocks", s.handleCreateBlock).Methods(http.MethodPost)
	v1.HandleFunc("/blocks/{key}", s.handleDeleteBlock).Methods(http.MethodDelete)
	v1.HandleFunc("/endpoints", s.handleEndpoints).Methods(http.MethodGet)
	v1.HandleFunc("/access", s.handleAccess).Methods(http.MethodGet)
	v1.HandleFunc("/scanner", s.handleScanner).Methods(http.MethodGet)
	v1.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)

	r.Use(s.instrument, s.authenticate)

	// CORS -> rate limit -> router (instrument -> auth -> handler)
	handler := corsMiddleware(
		rateLimitMiddleware(r, cfg.Admin.RatePerSec, cfg.Admin.RateBurst),
		engine.Config,
	)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins serving the admin API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API starting")
	if s.engine.Config().AuthEnabled() {
		s.logger.Info().Int("keys", len(s.engine.Config().Admin.APIKeys)).Msg("admin API authentication enabled")
	} else {
		s.logger.Warn().Msg("admin API authentication disabled, set admin.api_keys or FINSHIELD_ADMIN_KEY")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("admin API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin API.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.engine.Store.Ping(ctx); err != nil {
		storeStatus = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"store":     storeStatus,
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.Config()

	storeInfo := map[string]interface{}{"backend": cfg.Store.Backend}
	if fb, ok := s.engine.Store.(*store.Fallback); ok {
		storeInfo["breaker"] = fb.State()
		storeInfo["fallbacks"] = fb.Fallbacks()
		if err := fb.LastError(); err != nil {
			storeInfo["last_error"] = err.Error()
		}
	}

	busInfo := map[string]interface{}{"connected": false}
	if s.engine.Bus != nil {
		busInfo["connected"] = s.engine.Bus.IsConnected()
		busInfo["metrics"] = s.engine.Bus.GetMetrics()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":        Version,
		"status":         "running",
		"uptime_seconds": int64(s.engine.Uptime().Seconds()),
		"bus":            busInfo,
		"store":          storeInfo,
		"stages":         s.pipeline.Registry().Names(),
		"stage_metrics":  s.pipeline.Registry().GetMetrics(),
		"alerts_total":   s.engine.Alerts.Count(),
		"access_records": s.engine.Access.Len(),
		"timestamp":      s.now().UTC(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	minSeverity := core.SeverityInfo
	if raw := r.URL.Query().Get("min_severity"); raw != "" {
		sev, ok := core.ParseSeverity(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid min_severity, use INFO, LOW, MEDIUM, HIGH or CRITICAL",
			})
			return
		}
		minSeverity = sev
	}

	alerts := s.engine.Alerts.GetAlerts(minSeverity, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// handleAlertByID handles GET and PATCH on /api/v1/alerts/{id}.
func (s *Server) handleAlertByID(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]

	if r.Method == http.MethodGet {
		alert := s.engine.Alerts.GetAlertByID(alertID)
		if alert == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert not found"})
			return
		}
		writeJSON(w, http.StatusOK, alert)
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	status, ok := core.ParseAlertStatus(body.Status)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid status, use OPEN, ACKNOWLEDGED, RESOLVED or FALSE_POSITIVE",
		})
		return
	}
	alert, found := s.engine.Alerts.UpdateAlertStatus(alertID, status)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert not found"})
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertsClear(w http.ResponseWriter, r *http.Request) {
	count := s.engine.Alerts.ClearAlerts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "cleared",
		"cleared": count,
	})
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.pipeline.Abuse().Blocks(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("listing blocks failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list blocks"})
		return
	}
	if blocks == nil {
		blocks = []core.BlockEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocks": blocks,
		"total":  len(blocks),
	})
}

// blockRequest is the body of POST /api/v1/blocks. Exactly one of Address and
// Identifier is set. TTL is a Go duration; empty uses abuse.block_ttl and "0"
// blocks until cleared.
type blockRequest struct {
	Address    string `json:"address"`
	Identifier string `json:"identifier"`
	Reason     string `json:"reason"`
	TTL        string `json:"ttl"`
}

func (s *Server) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var body blockRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	now := s.now()
	entry := core.BlockEntry{Reason: body.Reason, CreatedAt: now}
	if entry.Reason == "" {
		entry.Reason = "manual block"
	}

	switch {
	case body.Address != "" && body.Identifier != "":
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "set either address or identifier, not both"})
		return
	case body.Address != "":
		addr, err := netip.ParseAddr(body.Address)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address: " + err.Error()})
			return
		}
		entry.Address = addr.Unmap().String()
		entry.Key = core.BlockKeyAddress(entry.Address)
	case body.Identifier != "":
		entry.Identifier = body.Identifier
		entry.Key = core.BlockKeyIdentifier(body.Identifier)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address or identifier is required"})
		return
	}

	ttl := s.engine.Config().Admission.Abuse.BlockTTL
	if body.TTL != "" {
		d, err := time.ParseDuration(body.TTL)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ttl, use a duration such as 1h"})
			return
		}
		ttl = d
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	if err := s.pipeline.Abuse().Block(r.Context(), entry); err != nil {
		s.logger.Error().Err(err).Str("key", entry.Key).Msg("manual block failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store block"})
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	removed, err := s.pipeline.Abuse().Unblock(r.Context(), key)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("unblock failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to remove block"})
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "block not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "key": key})
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Monitor().Stats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("reading endpoint stats failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read endpoint stats"})
		return
	}

	endpoints := make([]map[string]interface{}, 0, len(stats))
	for _, st := range stats {
		endpoints = append(endpoints, map[string]interface{}{
			"route":                 st.Route,
			"request_count":         st.RequestCount,
			"error_count":           st.ErrorCount,
			"error_rate":            st.ErrorRate(),
			"avg_latency_ms":        float64(st.AvgLatency().Microseconds()) / 1000,
			"concurrent_identities": st.ConcurrentIdentities,
			"window_start":          st.WindowStart,
			"last_request_at":       st.LastRequestAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": endpoints,
		"total":     len(endpoints),
	})
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	records := s.engine.Access.Recent(queryLimit(r, 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}

func (s *Server) handleScanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": len(s.pipeline.Scanner().Patterns()),
		"stats":    s.pipeline.Scanner().Stats(),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	changes, err := core.ReloadConfig(s.engine)
	if err != nil {
		s.logger.Warn().Err(err).Msg("config reload rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reload failed: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "reloaded",
		"changes": changes,
	})
}

func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 {
			return min(l, 10000)
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
