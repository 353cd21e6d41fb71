package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goodtune/nudgeproxy/internal/bus"
	"github.com/goodtune/nudgeproxy/internal/observer"
	"github.com/goodtune/nudgeproxy/internal/overlay"
	"github.com/goodtune/nudgeproxy/internal/storage"
	"github.com/shopspring/decimal"
)

// InsightsResponse answers /api/insights.
type InsightsResponse struct {
	Insights   []Insight `json:"insights"`
	CO2        string    `json:"co2"`
	Equivalent string    `json:"equivalent"`
	Today      int64     `json:"today"`
}

// DetectRequest is the body of /api/detect.
type DetectRequest struct {
	URL    string `json:"url"`
	Host   string `json:"host,omitempty"`
	Source string `json:"source,omitempty"`
}

// DetectResponse answers /api/detect.
type DetectResponse struct {
	Accepted bool `json:"accepted"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}

func (s *Server) handleBackendError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, bus.ErrStopped) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	s.logger.Error().Err(err).Str("op", op).Msg("Status request failed")
	writeError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"Title":     "nudgeproxy",
		"RefreshMS": s.config.RefreshInterval.Milliseconds(),
		"HasCA":     s.ca != nil,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render status page")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleRootCert(w http.ResponseWriter, r *http.Request) {
	if s.ca == nil {
		writeError(w, http.StatusNotFound, "TLS interception is disabled")
		return
	}
	pem, err := s.ca.GetRootCertPEM()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="nudgeproxy-root-ca.crt"`)
	_, _ = w.Write(pem)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	stats, err := s.backend.Stats(ctx)
	if err != nil {
		s.handleBackendError(w, bus.ActionGetStats, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.backend.Reset(ctx); err != nil {
		s.handleBackendError(w, bus.ActionReset, err)
		return
	}
	writeJSON(w, http.StatusOK, bus.Ack{Success: true})
}

func (s *Server) handleGetAnnoyance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	enabled, err := s.backend.AnnoyanceMode(ctx)
	if err != nil {
		s.handleBackendError(w, bus.ActionGetAnnoyance, err)
		return
	}
	writeJSON(w, http.StatusOK, bus.AnnoyanceState{Enabled: enabled})
}

func (s *Server) handleSetAnnoyance(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	enabled, err := s.backend.SetAnnoyanceMode(ctx, *req.Enabled)
	if err != nil {
		s.handleBackendError(w, bus.ActionToggleAnnoyance, err)
		return
	}
	writeJSON(w, http.StatusOK, bus.Ack{Success: true, Enabled: &enabled})
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	daily, err := s.backend.Daily(ctx)
	if err != nil {
		s.handleBackendError(w, bus.ActionGetDailyStats, err)
		return
	}
	writeJSON(w, http.StatusOK, daily)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	stats, err := s.backend.Stats(ctx)
	if err != nil {
		s.handleBackendError(w, bus.ActionGetStats, err)
		return
	}
	daily, err := s.backend.Daily(ctx)
	if err != nil {
		s.handleBackendError(w, bus.ActionGetDailyStats, err)
		return
	}

	co2 := decimal.NewFromFloat(stats.CO2)
	writeJSON(w, http.StatusOK, InsightsResponse{
		Insights:   Insights(daily),
		CO2:        overlay.Grams(co2),
		Equivalent: overlay.StatusEquivalent(co2),
		Today:      daily.TodayStats.Requests,
	})
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if s.detections == nil {
		writeJSON(w, http.StatusOK, []storage.Detection{})
		return
	}

	q := r.URL.Query()
	filter := storage.DetectionFilter{
		Host:   q.Get("host"),
		Source: q.Get("source"),
		Limit:  100,
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		filter.Offset = offset
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since (expected RFC3339)")
			return
		}
		filter.StartTime = &since
	}

	items, err := s.detections.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query detection log")
		writeError(w, http.StatusInternalServerError, "Failed to query detections")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.URL == "" && req.Host == "" {
		writeError(w, http.StatusBadRequest, "url or host is required")
		return
	}

	source := req.Source
	switch source {
	case "":
		source = storage.SourcePage
	case storage.SourcePage, storage.SourceNetwork:
	default:
		writeError(w, http.StatusBadRequest, "source must be page or network")
		return
	}

	if source == storage.SourceNetwork && req.Host == "" {
		req.Host = observer.HostFromURL(req.URL)
	}

	accepted := s.backend.Post(bus.Message{
		Action: bus.ActionDetected,
		URL:    req.URL,
		Host:   req.Host,
		Source: source,
		At:     time.Now(),
	})
	writeJSON(w, http.StatusAccepted, DetectResponse{Accepted: accepted})
}
