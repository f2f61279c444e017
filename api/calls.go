package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/ocpp"
)

type callRequest struct {
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
	// AssignRequestID sets payload.requestId from the sequence repository
	AssignRequestID bool `json:"assignRequestId,omitempty"`
}

type callResponse struct {
	Action    string          `json:"action"`
	RequestID int64           `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type callErrorResponse struct {
	Error       string          `json:"error"`
	Code        string          `json:"code,omitempty"`
	Description string          `json:"description,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// csmsAction reports whether the CSMS may initiate action in any supported
// version
func csmsAction(action string) bool {
	for _, v := range ocpp.SupportedVersions() {
		if ocpp.ActionDirection(v, action)&ocpp.FromCSMS != 0 {
			return true
		}
	}
	return false
}

func (s *Server) sendCall(w http.ResponseWriter, r *http.Request) {
	if s.caller == nil {
		writeError(w, http.StatusNotImplemented, "station calls are not enabled")
		return
	}
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !csmsAction(req.Action) {
		writeError(w, http.StatusBadRequest, "unknown CSMS-initiated action "+req.Action)
		return
	}
	tenant, station := tenantFor(r), chi.URLParam(r, "stationId")

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var requestID int64
	if req.AssignRequestID {
		if s.sequences == nil {
			writeError(w, http.StatusNotImplemented, "sequence repository is not configured")
			return
		}
		var body map[string]any
		if err := json.Unmarshal(payload, &body); err != nil {
			writeError(w, http.StatusBadRequest, "payload must be a JSON object to assign requestId")
			return
		}
		n, err := s.sequences.Next(r.Context(), tenant, station, "requestId")
		if err != nil {
			s.logger.Error("sequence allocation failed", "tenant_id", tenant, "station_id", station, "error", err)
			writeError(w, http.StatusServiceUnavailable, "sequence repository unavailable")
			return
		}
		requestID = n
		body["requestId"] = n
		encoded, err := json.Marshal(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "payload could not be re-encoded")
			return
		}
		payload = encoded
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	out, err := s.caller.SendCall(r.Context(), tenant, station, req.Action, payload, timeout)
	if err != nil {
		s.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Action: req.Action, RequestID: requestID, Payload: out})
}

func (s *Server) writeCallError(w http.ResponseWriter, err error) {
	var callErr *ocpp.CallError
	if errors.As(err, &callErr) {
		writeJSON(w, http.StatusBadGateway, callErrorResponse{
			Error:       "station returned CallError",
			Code:        callErr.ErrorCode,
			Description: callErr.ErrorDescription,
			Details:     callErr.ErrorDetails,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrCallInProgress):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrStationNotConnected), errors.Is(err, errors.ErrConnectionClosed):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrCallTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, errors.ErrBrokerUnavailable), errors.Is(err, errors.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, callErrorResponse{Error: err.Error()})
}
