package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/engine"
	"github.com/seantiz/igprov/internal/model"
)

const maxBodySize = 64 << 10

// ProvisionRequest is the JSON body for POST /v1/provisioning and
// POST /v1/core/download.
type ProvisionRequest struct {
	EndpointURL string             `json:"endpoint_url"`
	AuthParams  backend.AuthParams `json:"auth_params"`
}

// StatusResponse carries the status published synchronously by a request.
type StatusResponse struct {
	Status     model.Status `json:"status"`
	StatusName string       `json:"status_name"`
	Error      string       `json:"error,omitempty"`
}

// SyncLogsResponse is the JSON response for POST /v1/logs/sync.
type SyncLogsResponse struct {
	Result int `json:"result"`
}

// BackendStatus is one entry of GET /v1/backends.
type BackendStatus struct {
	Kind        model.BackendKind `json:"kind"`
	Provisioned bool              `json:"provisioned"`
}

func (s *Server) handleStartProvisioning(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeProvisionRequest(w, r)
	if !ok {
		return
	}
	status, err := s.engine.StartProvisioning(r.Context(), req.EndpointURL, req.AuthParams)
	s.writeStatus(w, status, err)
}

func (s *Server) handleCoreDownload(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeProvisionRequest(w, r)
	if !ok {
		return
	}
	status, err := s.engine.StartCoreDownload(r.Context(), req.EndpointURL, req.AuthParams)
	s.writeStatus(w, status, err)
}

func (s *Server) handleCoreUpdate(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.PerformCoreUpdate(r.Context())
	s.writeStatus(w, status, err)
}

func (s *Server) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, SyncLogsResponse{Result: s.engine.SyncLogs(r.Context())})
}

func (s *Server) handleGetProperties(w http.ResponseWriter, r *http.Request) {
	props, err := s.engine.Properties(r.Context())
	if err != nil {
		s.logger.Error("get properties", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, props)
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	props, err := s.engine.Properties(r.Context())
	if err != nil {
		s.logger.Error("get properties", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}

	infos := s.registry.List()
	backends := make([]BackendStatus, len(infos))
	for i, info := range infos {
		backends[i] = BackendStatus{Kind: info.Kind}
		switch info.Kind {
		case model.BackendCore:
			backends[i].Provisioned = props.CoreProvisioned
		case model.BackendEdge:
			backends[i].Provisioned = props.EdgeProvisioned
		}
	}
	s.writeJSON(w, http.StatusOK, backends)
}

func (s *Server) decodeProvisionRequest(w http.ResponseWriter, r *http.Request) (ProvisionRequest, bool) {
	var req ProvisionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.EndpointURL == "" {
		s.writeError(w, http.StatusBadRequest, "endpoint_url is required")
		return req, false
	}
	return req, true
}

// writeStatus maps an engine result onto an HTTP response. Accepted
// requests answer 202; the worker's terminal status follows on the event
// stream.
func (s *Server) writeStatus(w http.ResponseWriter, status model.Status, err error) {
	resp := StatusResponse{Status: status, StatusName: status.String()}
	if err == nil {
		s.writeJSON(w, http.StatusAccepted, resp)
		return
	}

	resp.Error = err.Error()
	recordRejection(status)
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrAlreadyProvisioned):
		code = http.StatusConflict
	case errors.Is(err, backend.ErrBadConfig), errors.Is(err, backend.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
