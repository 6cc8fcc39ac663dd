package api

import "time"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	// StreamID identifies one daemon instance; it changes on restart so
	// clients can tell a restarted daemon from a slow one.
	StreamID    string `json:"stream_id"`
	Status      string `json:"status"`
	ServerCount int    `json:"server_count"`
}
