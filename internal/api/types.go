package api

// HealthResponse represents the health check response of the API port
type HealthResponse struct {
	Status string `json:"status"`
	NodeID string `json:"nodeId,omitempty"`
}
