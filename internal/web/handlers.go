package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Legich55555/mp710Ctrl/internal/control"
	"github.com/Legich55555/mp710Ctrl/internal/device"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxRequestBodySize  = 1 << 16
)

type channelResponse struct {
	Idx   uint8 `json:"idx"`
	Value uint8 `json:"value"`
}

type setChannelRequest struct {
	Value *int `json:"value"`
}

type transitionRequest struct {
	Name     string `json:"name"`
	Duration string `json:"duration"` // Go duration, empty for the default
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	data, err := control.Status(s.svc.Snapshot()...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode status")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	channels := s.svc.Channels()
	out := make([]channelResponse, len(channels))
	for i, ch := range channels {
		out[i] = channelResponse{Idx: ch.Idx, Value: ch.Value}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil || idx < 0 || idx >= device.ChannelCount {
		writeError(w, http.StatusBadRequest, "channel index must be between 0 and 15")
		return
	}

	var req setChannelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Value == nil || *req.Value < 0 || *req.Value > device.BrightnessMax {
		writeError(w, http.StatusBadRequest, "value must be between 0 and 128")
		return
	}

	s.svc.SetBrightness(uint8(*req.Value), uint8(idx))
	writeJSON(w, http.StatusAccepted, channelResponse{Idx: uint8(idx), Value: uint8(*req.Value)})
}

func (s *Server) handleListTransitions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"transitions": s.svc.Transitions()})
}

func (s *Server) handleStartTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		duration = d
	}

	if err := s.svc.StartTransition(req.Name, duration, "http"); err != nil {
		if errors.Is(err, control.ErrUnknownTransition) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if errors.Is(err, control.ErrInvalidDuration) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"name": req.Name, "duration": req.Duration})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"status":  status,
		"message": message,
	})
}
