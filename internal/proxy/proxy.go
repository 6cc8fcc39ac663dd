// Package proxy manages forwarding routes on the external reverse proxy's
// admin API. Each configured public port gets a listener forwarding to the
// record's allocated loopback host, so the proxied server is reachable on
// localhost regardless of which host it bound.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/devserv/devserv/internal/db"
	"github.com/devserv/devserv/internal/model"
)

var (
	ErrPrereqNotMet = errors.New("server must be running with an allocated host")
	ErrConfigFailed = errors.New("proxy configuration failed")
)

// RecordSource is the running-state lookup the manager gates enable on.
// The supervisor satisfies this.
type RecordSource interface {
	Get(path string) (model.ServerRecord, bool)
}

// Manager drives the admin API and persists route state. At most one path has
// an active proxy at a time: enabling a new one first disables the current
// one, whatever its ports.
type Manager struct {
	mu       sync.Mutex
	store    *db.Store
	records  RecordSource
	adminURL string
	ports    []int
	client   *http.Client
}

func New(store *db.Store, records RecordSource, adminAddr string, ports []int) *Manager {
	url := adminAddr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return &Manager{
		store:    store,
		records:  records,
		adminURL: strings.TrimRight(url, "/"),
		ports:    ports,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// routeConfig is the admin API payload for one listener. Matches the
// /config/apps/http/servers/{id} schema.
type routeConfig struct {
	Listen []string `json:"listen"`
	Routes []route  `json:"routes"`
}

type route struct {
	Handle []handler `json:"handle"`
}

type handler struct {
	Handler   string     `json:"handler"`
	Upstreams []upstream `json:"upstreams"`
}

type upstream struct {
	Dial string `json:"dial"`
}

// Enable registers one route per configured port forwarding to the record's
// host. A partial registration failure rolls back the routes already
// registered for this path before surfacing the failed port.
func (m *Manager) Enable(ctx context.Context, path string) (model.ProxyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records.Get(path)
	if !ok || rec.Status != model.StatusRunning || rec.Host == "" {
		return model.ProxyState{}, fmt.Errorf("%w: %s", ErrPrereqNotMet, path)
	}

	// Single-active-proxy invariant, strict variant: any other active proxy
	// is disabled first, conflicting ports or not.
	states, err := m.store.ListProxyStates(ctx)
	if err != nil {
		return model.ProxyState{}, fmt.Errorf("list proxy states: %w", err)
	}
	for _, state := range states {
		if state.Path == path || state.Status != model.ProxyActive {
			continue
		}
		if err := m.disableLocked(ctx, state.Path); err != nil {
			return model.ProxyState{}, fmt.Errorf("disable %s first: %w", state.Path, err)
		}
	}

	var routeIDs []string
	for _, port := range m.ports {
		id := routeID(port)
		if err := m.putRoute(ctx, id, rec.Host, port); err != nil {
			for _, registered := range routeIDs {
				m.deleteRoute(ctx, registered) //nolint:errcheck
			}
			return model.ProxyState{}, fmt.Errorf("%w: port %d: %v", ErrConfigFailed, port, err)
		}
		routeIDs = append(routeIDs, id)
	}

	state := model.ProxyState{
		Path:     path,
		Host:     rec.Host,
		Ports:    append([]int(nil), m.ports...),
		RouteIDs: routeIDs,
		Status:   model.ProxyActive,
	}
	if err := m.store.UpsertProxyState(ctx, state); err != nil {
		return model.ProxyState{}, fmt.Errorf("persist proxy state: %w", err)
	}
	return state, nil
}

// Disable deletes the registered routes for path and clears its state.
// Disabling a path with no proxy is a no-op.
func (m *Manager) Disable(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disableLocked(ctx, path)
}

func (m *Manager) disableLocked(ctx context.Context, path string) error {
	state, err := m.store.GetProxyState(ctx, path)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load proxy state: %w", err)
	}
	for _, id := range state.RouteIDs {
		if err := m.deleteRoute(ctx, id); err != nil {
			return fmt.Errorf("%w: delete route %s: %v", ErrConfigFailed, id, err)
		}
	}
	if err := m.store.DeleteProxyState(ctx, path); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("clear proxy state: %w", err)
	}
	return nil
}

// State returns the persisted proxy state for path, db.ErrNotFound if none.
func (m *Manager) State(ctx context.Context, path string) (model.ProxyState, error) {
	return m.store.GetProxyState(ctx, path)
}

// Reconcile drops persisted proxy state whose server is no longer running.
// Called at daemon startup after orphan reconciliation.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	states, err := m.store.ListProxyStates(ctx)
	if err != nil {
		return fmt.Errorf("list proxy states: %w", err)
	}
	for _, state := range states {
		rec, ok := m.records.Get(state.Path)
		if ok && rec.Status == model.StatusRunning {
			continue
		}
		if err := m.disableLocked(ctx, state.Path); err != nil {
			return err
		}
	}
	return nil
}

func routeID(port int) string {
	return fmt.Sprintf("devserv-%d", port)
}

func (m *Manager) putRoute(ctx context.Context, id, host string, port int) error {
	cfg := routeConfig{
		Listen: []string{fmt.Sprintf(":%d", port)},
		Routes: []route{{
			Handle: []handler{{
				Handler:   "reverse_proxy",
				Upstreams: []upstream{{Dial: fmt.Sprintf("%s:%d", host, port)}},
			}},
		}},
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal route config: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, m.routeURL(id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.do(req)
}

func (m *Manager) deleteRoute(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.routeURL(id), nil)
	if err != nil {
		return err
	}
	return m.do(req)
}

func (m *Manager) routeURL(id string) string {
	return fmt.Sprintf("%s/config/apps/http/servers/%s", m.adminURL, id)
}

func (m *Manager) do(req *http.Request) error {
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Deleting a route the proxy already dropped is fine.
	if req.Method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("admin api %s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(detail)))
}
