package server

import (
	"net/http"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"whale-backend/internal/correlation"
	"whale-backend/internal/models"
	"whale-backend/internal/netflow"
)

// writeJSON writes v with the API's common headers.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := sonnet.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	health := s.pipeline.Health()
	health["status"] = "ok"
	health["clients"] = s.pipeline.Broadcast().Sessions()
	s.writeJSON(w, http.StatusOK, health)
}

type netFlowResponse struct {
	Timeframe string                 `json:"timeframe"`
	Summary   *models.NetFlowSample  `json:"summary,omitempty"`
	Vote      netflow.Vote           `json:"vote"`
	Samples   []models.NetFlowSample `json:"samples"`
}

// handleNetFlow returns net-flow history for ?timeframe=1h|6h|24h|7d
// (default 1h).
func (s *Server) handleNetFlow(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	name := r.URL.Query().Get("timeframe")
	if name == "" {
		name = "1h"
	}
	span, err := netflow.ParseTimeframe(name)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agg := s.pipeline.NetFlow()
	resp := netFlowResponse{
		Timeframe: name,
		Vote:      agg.Vote(),
		Samples:   agg.History(span),
	}
	if resp.Samples == nil {
		resp.Samples = []models.NetFlowSample{}
	}
	if summary, ok := agg.Summary(span); ok {
		resp.Summary = &summary
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleAccuracy reports prediction accuracy for every window, or only
// ?window=1h|24h|7d.
func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	tracker := s.pipeline.Tracker()

	var reports []correlation.Report
	if name := r.URL.Query().Get("window"); name != "" {
		window, err := correlation.ParseWindow(name)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		report, err := tracker.Accuracy(r.Context(), window)
		if err != nil {
			s.logger.Error().Err(err).Msg("accuracy query failed")
			s.writeError(w, http.StatusServiceUnavailable, "accuracy unavailable")
			return
		}
		reports = []correlation.Report{report}
	} else {
		var err error
		if reports, err = tracker.AccuracyAll(r.Context()); err != nil {
			s.logger.Error().Err(err).Msg("accuracy query failed")
			s.writeError(w, http.StatusServiceUnavailable, "accuracy unavailable")
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports":      reports,
		"stats":        tracker.GetStats(),
		"generated_at": time.Now().UTC(),
	})
}

// handleMemory returns the memory pressure state.
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.pipeline.Memory().GetStats())
}
