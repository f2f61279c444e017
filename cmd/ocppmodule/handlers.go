package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360/ocpprouter/module"
	"github.com/c360/ocpprouter/ocpp"
)

type handlers struct {
	interval int
	now      func() time.Time
}

func (h handlers) all() map[string]module.HandlerFunc {
	return map[string]module.HandlerFunc{
		"BootNotification":   h.bootNotification,
		"StatusNotification": h.statusNotification,
		"Authorize":          h.authorize,
	}
}

func (h handlers) bootNotification(_ context.Context, req module.Request) (any, error) {
	if !json.Valid(req.Payload) {
		return nil, ocpp.NewCallError(req.Context.CorrelationID, ocpp.FormatViolationCode(req.Version), "payload is not JSON")
	}
	return map[string]any{
		"status":      "Accepted",
		"currentTime": h.now().UTC().Format(time.RFC3339),
		"interval":    h.interval,
	}, nil
}

func (h handlers) statusNotification(context.Context, module.Request) (any, error) {
	return struct{}{}, nil
}

func (h handlers) authorize(_ context.Context, req module.Request) (any, error) {
	if req.Version == ocpp.V16 {
		return map[string]any{"idTagInfo": map[string]string{"status": "Accepted"}}, nil
	}
	return map[string]any{"idTokenInfo": map[string]string{"status": "Accepted"}}, nil
}
