package model

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"time"
)

// Status is the lifecycle state persisted for a managed dev server.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Terminal reports whether no further transitions are allowed for the record.
// A new start request creates a fresh record instead of reviving this one.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

type ProxyStatus string

const (
	ProxyActive   ProxyStatus = "active"
	ProxyInactive ProxyStatus = "inactive"
)

// ServerRecord is one managed dev server, keyed by its working directory.
type ServerRecord struct {
	ID        string
	Path      string
	PID       int
	Command   string
	Args      []string
	Host      string
	Status    Status
	StartTime time.Time
	OutputLog string
	ErrorLog  string
	Proxy     *ProxyState
	UpdatedAt time.Time
}

// ProxyState tracks routes registered with the reverse proxy admin API for
// one path. At most one ProxyState is active across the whole daemon.
type ProxyState struct {
	Path      string
	Host      string
	Ports     []int
	RouteIDs  []string
	Status    ProxyStatus
	UpdatedAt time.Time
}

// HostAllocation is one row of the durable loopback allocation table.
type HostAllocation struct {
	Path        string
	Host        string
	AllocatedAt time.Time
}

// LogStream distinguishes the two capture files of a record.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogLine is one captured line of child output.
type LogLine struct {
	Type LogStream
	Data string
}

// EncodeID derives the wire id for a path. base64url keeps the id reversible
// and free of characters that would need URL escaping.
func EncodeID(path string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(path))
}

// DecodeID recovers the path from a wire id. The decoded value must be an
// absolute path; anything else is a malformed or forged id.
func DecodeID(id string) (string, error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("decode server id: %w", err)
	}
	path := string(raw)
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("decoded id is not an absolute path: %q", path)
	}
	return path, nil
}

// Error codes defined by the control surface contract.
const (
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrSpawnFailed   = "E_SPAWN_FAILED"
	ErrPoolExhausted = "E_RESOURCE_EXHAUSTED"
	ErrPrereqNotMet  = "E_PREREQ_NOT_MET"
	ErrProxyConfig   = "E_PROXY_CONFIG_FAILED"
	ErrTimeout       = "E_TIMEOUT"
	ErrRefInvalid    = "E_REF_INVALID"
	ErrRefNotFound   = "E_REF_NOT_FOUND"
	ErrInternal      = "E_INTERNAL"
)
