package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/webhook"
)

type subscriptionRequest struct {
	StationID          string `json:"stationId"`
	URL                string `json:"url"`
	OnConnect          bool   `json:"onConnect"`
	OnClose            bool   `json:"onClose"`
	OnMessage          bool   `json:"onMessage"`
	SentMessage        bool   `json:"sentMessage"`
	MessageRegexFilter string `json:"messageRegexFilter,omitempty"`
}

func (s *Server) subscriptionsEnabled(w http.ResponseWriter) bool {
	if s.store == nil || s.registry == nil {
		writeError(w, http.StatusNotImplemented, "subscriptions are not enabled")
		return false
	}
	return true
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !s.subscriptionsEnabled(w) {
		return
	}
	all, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list subscriptions failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "subscription store unavailable")
		return
	}
	tenant := tenantFor(r)
	out := make([]webhook.Subscription, 0, len(all))
	for _, sub := range all {
		if sub.TenantID == tenant {
			out = append(out, sub)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	if !s.subscriptionsEnabled(w) {
		return
	}
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.StationID == "" {
		req.StationID = webhook.Wildcard
	}
	sub := webhook.Subscription{
		ID:                 uuid.NewString(),
		TenantID:           tenantFor(r),
		StationID:          req.StationID,
		URL:                req.URL,
		OnConnect:          req.OnConnect,
		OnClose:            req.OnClose,
		OnMessage:          req.OnMessage,
		SentMessage:        req.SentMessage,
		MessageRegexFilter: req.MessageRegexFilter,
		CreatedAt:          time.Now().UTC(),
	}
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.Create(r.Context(), sub); err != nil {
		if errors.Is(err, errors.ErrKeyExists) {
			writeError(w, http.StatusConflict, "subscription already exists")
			return
		}
		s.logger.Error("store subscription failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "subscription store unavailable")
		return
	}
	s.resync(r)
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if !s.subscriptionsEnabled(w) {
		return
	}
	id := chi.URLParam(r, "id")
	all, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "subscription store unavailable")
		return
	}
	tenant := tenantFor(r)
	owned := false
	for _, sub := range all {
		if sub.ID == id && sub.TenantID == tenant {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "subscription store unavailable")
		return
	}
	s.resync(r)
	w.WriteHeader(http.StatusNoContent)
}

// resync reloads the registry so the change applies immediately on this
// instance; other instances follow through the KV watch
func (s *Server) resync(r *http.Request) {
	if err := s.registry.Sync(r.Context(), s.store); err != nil {
		s.logger.Warn("subscription registry resync failed", "error", err)
	}
}
