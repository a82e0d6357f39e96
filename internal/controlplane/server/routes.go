package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/edgewan/edgewan/internal/controlplane/devices"
	"github.com/edgewan/edgewan/internal/controlplane/dispatch"
	"github.com/edgewan/edgewan/internal/controlplane/jobqueue"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	// Device control channel
	mux.HandleFunc("GET /ws/device", s.wsServer.HandleDeviceWS)

	// Fleet API
	mux.HandleFunc("POST /api/v1/devices", s.handleRegisterDevice)
	mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/v1/devices/{id}", s.handleGetDevice)
	mux.HandleFunc("POST /api/v1/devices/{id}/apply", s.handleApply)
	mux.HandleFunc("GET /api/v1/devices/{id}/jobs", s.handleDeviceJobs)

	// Jobs
	mux.HandleFunc("GET /api/v1/jobs/summary", s.handleJobSummary)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", s.handleRemoveJob)

	// Methods available for apply
	mux.HandleFunc("GET /api/v1/methods", s.handleListMethods)

	// Metrics + events
	mux.Handle("GET /metrics", s.collector.Handler())
	mux.HandleFunc("GET /api/v1/events", s.handleEventsSSE)
}

// ── Health / Version ─────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

// ── Fleet API ────────────────────────────────────────────────

type registerRequest struct {
	MachineID    string `json:"machine_id"`
	Serial       string `json:"serial"`
	Hostname     string `json:"hostname"`
	Org          string `json:"org"`
	Account      string `json:"account"`
	AgentVersion string `json:"agent_version"`
}

type registerResponse struct {
	Device      *devices.Device `json:"device"`
	DeviceToken string          `json:"device_token"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}

	token := uuid.NewString()
	dev, err := s.devStore.Register(devices.Device{
		MachineID: req.MachineID,
		Serial:    req.Serial,
		Hostname:  req.Hostname,
		Org:       req.Org,
		Account:   req.Account,
		Versions:  devices.Versions{Agent: req.AgentVersion},
	}, token)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// The clear token is returned exactly once, for provisioning the agent.
	writeJSON(w, http.StatusCreated, registerResponse{Device: dev, DeviceToken: token})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("org")
	if org == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "org query parameter required")
		return
	}
	devs, err := s.devStore.ListByOrg(org)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devStore.Get(r.PathValue("id"))
	if err != nil {
		if devices.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", "device not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

type applyRequest struct {
	Method   string          `json:"method"`
	Username string          `json:"username"`
	Params   json.RawMessage `json:"params,omitempty"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return
	}
	if req.Method == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "method required")
		return
	}

	result, err := s.dispatcher.Apply(r.Context(), r.PathValue("id"), dispatch.Request{
		Method:   req.Method,
		Username: req.Username,
		Params:   req.Params,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrMethodNotFound):
			writeJSONError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown method: %s", req.Method))
		case devices.IsNotFound(err):
			writeJSONError(w, http.StatusNotFound, "not_found", "device not found")
		case dispatch.IsValidation(err):
			writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeviceJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = n
	}
	jobs, err := s.queue.ListByDevice(r.PathValue("id"), r.URL.Query().Get("state"), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// ── Jobs ─────────────────────────────────────────────────────

func (s *Server) handleJobSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.CountByState()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.PathValue("id"))
	if err != nil {
		if jobqueue.IsNotFound(err) {
			writeJSONError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.dispatcher.RemoveJob(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case jobqueue.IsNotFound(err):
			writeJSONError(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, jobqueue.ErrStateConflict):
			writeJSONError(w, http.StatusConflict, "conflict", "only queued jobs can be removed")
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListMethods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"methods": s.methods.Methods()})
}

// ── Events SSE stream ────────────────────────────────────────

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch := s.eventBus.Subscribe(subID)
	defer s.eventBus.Unsubscribe(subID)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.JSON())
			flusher.Flush()
		}
	}
}
