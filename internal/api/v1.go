// Package api defines the wire types of the daemon's control socket.
package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type StartServerRequest struct {
	Path    string   `json:"path"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

type ProxyInfo struct {
	Status string `json:"status"`
	Host   string `json:"host"`
	Ports  []int  `json:"ports"`
}

type ServerResponse struct {
	ID        string     `json:"id"`
	Path      string     `json:"path"`
	PID       int        `json:"pid"`
	Command   string     `json:"command"`
	Args      []string   `json:"args,omitempty"`
	Host      string     `json:"host"`
	Status    string     `json:"status"`
	StartTime string     `json:"start_time"`
	Proxy     *ProxyInfo `json:"proxy,omitempty"`
}

type ServerEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Server        ServerResponse `json:"server"`
}

type ServersEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Servers       []ServerResponse `json:"servers"`
}

type LogEntry struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type LogsEnvelope struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Logs          []LogEntry `json:"logs"`
}

type StatusEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type ProxyEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Path          string    `json:"path"`
	Proxy         ProxyInfo `json:"proxy"`
}
