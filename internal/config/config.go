package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath string
	DBPath     string
	LogDir     string

	// Host pool bounds for loopback allocation, inclusive. The last octet
	// starts at 2 because 127.0.0.1 is reserved for the daemon's own use.
	HostPoolStart int
	HostPoolEnd   int

	CaddyAdminAddr string
	ProxyPorts     []int

	LivenessInterval time.Duration
	LogPollInterval  time.Duration
	LogBufferLines   int

	ReadyTotalTimeout time.Duration
	ReadyIdleTimeout  time.Duration
	ReadySentinel     string

	StopGracePeriod time.Duration
	RequestTimeout  time.Duration

	LogRetention  time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:        filepath.Join(stateDir(), "devservd.sock"),
		DBPath:            filepath.Join(stateDir(), "state.db"),
		LogDir:            filepath.Join(stateDir(), "logs"),
		HostPoolStart:     2,
		HostPoolEnd:       254,
		CaddyAdminAddr:    "127.0.0.1:2019",
		ProxyPorts:        []int{3000},
		LivenessInterval:  1 * time.Second,
		LogPollInterval:   200 * time.Millisecond,
		LogBufferLines:    1000,
		ReadyTotalTimeout: 120 * time.Second,
		ReadyIdleTimeout:  15 * time.Second,
		ReadySentinel:     "",
		StopGracePeriod:   300 * time.Millisecond,
		RequestTimeout:    10 * time.Second,
		LogRetention:      7 * 24 * time.Hour,
		SweepInterval:     time.Hour,
	}
}

func stateDir() string {
	if runtimeDir := os.Getenv("XDG_STATE_HOME"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "devserv")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devserv"
	}
	return filepath.Join(home, ".local", "state", "devserv")
}
