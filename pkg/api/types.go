package api

import "time"

// HealthResponse reports the overall process health and every network's
// sync status.
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Networks  []NetworkStatus  `json:"networks"`
}

// NetworkStatus mirrors orchestrator.HealthStatus for one network.
type NetworkStatus struct {
	Network             string `json:"network"`
	Healthy             bool   `json:"healthy"`
	TipBlock            uint64 `json:"tip_block"`
	LastDispatchedBlock uint64 `json:"last_dispatched_block"`
}

// ReadyResponse reports whether the process is ready to be sent traffic.
type ReadyResponse struct {
	Ready bool `json:"ready"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
