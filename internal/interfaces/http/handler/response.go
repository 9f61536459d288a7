package handler

// WebhookAck is the body returned to a source system for an accepted change notification.
// Redelivered events are acknowledged the same way with Duplicate set.
type WebhookAck struct {
	Success   bool   `json:"success"`
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// HealthResponse is returned by the liveness probe
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ReadinessResponse lists the outcome of each dependency check
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
