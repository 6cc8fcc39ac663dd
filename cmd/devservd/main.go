package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/devserv/devserv/internal/config"
	"github.com/devserv/devserv/internal/daemon"
	"github.com/devserv/devserv/internal/db"
	"github.com/devserv/devserv/internal/hostalloc"
	"github.com/devserv/devserv/internal/proxy"
	"github.com/devserv/devserv/internal/supervisor"
)

func main() {
	cfg := config.DefaultConfig()
	var ports portsFlag
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for devservd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "directory for captured server output")
	flag.StringVar(&cfg.CaddyAdminAddr, "caddy-admin", cfg.CaddyAdminAddr, "reverse proxy admin API address")
	flag.StringVar(&cfg.ReadySentinel, "ready-sentinel", cfg.ReadySentinel, "extra substring treated as a ready signal")
	flag.Var(&ports, "proxy-port", "public port to forward when proxying (repeatable)")
	flag.Parse()
	if len(ports) > 0 {
		cfg.ProxyPorts = ports
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0o700); err != nil {
		fatal(fmt.Errorf("create log dir: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		fatal(fmt.Errorf("create socket dir: %w", err))
	}

	hosts := hostalloc.New(store, cfg.HostPoolStart, cfg.HostPoolEnd)
	sup := supervisor.New(cfg, store, hosts)
	defer sup.Close()

	proxies := proxy.New(store, sup, cfg.CaddyAdminAddr, cfg.ProxyPorts)
	sup.SetProxyReleaser(proxies)

	// Self-heal from whatever a previous daemon instance left behind before
	// accepting requests.
	if err := sup.ReconcileOrphans(ctx); err != nil {
		logErr("reconcile orphans", err)
	}
	if err := proxies.Reconcile(ctx); err != nil {
		logErr("reconcile proxy routes", err)
	}

	srv := daemon.NewServer(cfg, store, sup, proxies)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

type portsFlag []int

func (p *portsFlag) String() string {
	parts := make([]string, len(*p))
	for i, port := range *p {
		parts[i] = strconv.Itoa(port)
	}
	return strings.Join(parts, ",")
}

func (p *portsFlag) Set(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", value)
	}
	*p = append(*p, port)
	return nil
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "devservd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "devservd: %v\n", err)
	os.Exit(1)
}
