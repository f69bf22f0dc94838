package api

import (
	"net/http"
)

// Plugin contributes extra routes to the server mux.
type Plugin interface {
	Name() string
	Description() string
	RegisterRoutes(mux *http.ServeMux)
}

type CreateEnvironmentRequest struct {
	FriendlyName string            `json:"friendly_name"`
	OwnerID      string            `json:"owner_id"`
	PlanID       string            `json:"plan_id"`
	SKUName      string            `json:"sku_name"`
	Location     string            `json:"location"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// ActionRequest is the optional body of resume, export and update calls.
type ActionRequest struct {
	Reason    string            `json:"reason,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

type ShutdownRequest struct {
	Force  bool   `json:"force"`
	Reason string `json:"reason,omitempty"`
}
