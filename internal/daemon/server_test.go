package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devserv/devserv/internal/api"
	"github.com/devserv/devserv/internal/config"
	"github.com/devserv/devserv/internal/db"
	"github.com/devserv/devserv/internal/hostalloc"
	"github.com/devserv/devserv/internal/model"
	"github.com/devserv/devserv/internal/proxy"
	"github.com/devserv/devserv/internal/supervisor"
)

type testEnv struct {
	ts    *httptest.Server
	srv   *Server
	sup   *supervisor.Supervisor
	store *db.Store
	cfg   config.Config
}

// fakeAdmin accepts every route mutation the manager issues.
func fakeAdmin(t *testing.T) *httptest.Server {
	t.Helper()
	routes := map[string]bool{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/config/apps/http/servers/")
		switch r.Method {
		case http.MethodPut:
			routes[id] = true
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			if !routes[id] {
				http.NotFound(w, r)
				return
			}
			delete(routes, id)
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := db.Open(context.Background(), filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(context.Background(), store.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "devservd.sock")
	cfg.DBPath = filepath.Join(dir, "state.db")
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.LivenessInterval = 50 * time.Millisecond
	cfg.LogPollInterval = 10 * time.Millisecond
	cfg.StopGracePeriod = 50 * time.Millisecond
	cfg.ReadyTotalTimeout = 10 * time.Second
	cfg.ReadyIdleTimeout = 10 * time.Second
	cfg.ProxyPorts = []int{3000}

	hosts := hostalloc.New(store, 2, 254)
	sup := supervisor.New(cfg, store, hosts)
	t.Cleanup(sup.Close)

	admin := fakeAdmin(t)
	proxies := proxy.New(store, sup, admin.URL, cfg.ProxyPorts)
	sup.SetProxyReleaser(proxies)

	srv := NewServer(cfg, store, sup, proxies)
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, srv: srv, sup: sup, store: store, cfg: cfg}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, raw
}

// startSleeper registers a real detached sleep process as a dev server.
func (e *testEnv) startSleeper(t *testing.T, path string) api.ServerResponse {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	resp, raw := e.request(t, http.MethodPost, "/v1/servers", api.StartServerRequest{
		Path:    path,
		Command: "sleep",
		Args:    []string{"300"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d: %s", resp.StatusCode, raw)
	}
	var env api.ServerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.sup.Stop(context.Background(), path) })
	return env.Server
}

func (e *testEnv) appendOutput(t *testing.T, path, line string) {
	t.Helper()
	logPath := filepath.Join(e.cfg.LogDir, model.EncodeID(path)+".out.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) waitForStatus(t *testing.T, id, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		resp, raw := e.request(t, http.MethodGet, "/v1/servers/"+id, nil)
		if resp.StatusCode == http.StatusOK {
			var env api.ServerEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatal(err)
			}
			last = env.Server.Status
			if last == want {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server %s status = %q, want %q", id, last, want)
}

func TestHealthReportsServerCount(t *testing.T) {
	e := newTestEnv(t)

	resp, raw := e.request(t, http.MethodGet, "/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.Unmarshal(raw, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.ServerCount != 0 {
		t.Fatalf("health = %+v", health)
	}
	if health.StreamID == "" {
		t.Fatal("health response missing stream_id")
	}
	if health.StreamID != e.srv.streamID {
		t.Fatalf("stream_id = %s, want %s", health.StreamID, e.srv.streamID)
	}

	e.startSleeper(t, filepath.Join(t.TempDir(), "wt"))
	_, raw = e.request(t, http.MethodGet, "/v1/health", nil)
	if err := json.Unmarshal(raw, &health); err != nil {
		t.Fatal(err)
	}
	if health.ServerCount != 1 {
		t.Fatalf("server_count = %d, want 1", health.ServerCount)
	}
}

func TestStartGetStopLifecycle(t *testing.T) {
	e := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "wt-a")

	server := e.startSleeper(t, path)
	if server.Status != string(model.StatusStarting) {
		t.Fatalf("status = %s, want starting", server.Status)
	}
	if server.Host != "127.0.0.2" {
		t.Fatalf("host = %s, want 127.0.0.2", server.Host)
	}
	if server.ID != model.EncodeID(path) {
		t.Fatalf("id = %s", server.ID)
	}
	if server.PID <= 0 {
		t.Fatalf("pid = %d", server.PID)
	}

	e.appendOutput(t, path, "  ready - started server on 0.0.0.0:3000")
	e.waitForStatus(t, server.ID, string(model.StatusRunning))

	resp, _ := e.request(t, http.MethodDelete, "/v1/servers/"+server.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}

	resp, _ = e.request(t, http.MethodGet, "/v1/servers/"+server.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after stop = %d, want 404", resp.StatusCode)
	}

	_, raw := e.request(t, http.MethodGet, "/v1/servers", nil)
	var list api.ServersEnvelope
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Servers) != 0 {
		t.Fatalf("servers = %+v, want empty", list.Servers)
	}
}

func TestConcurrentServersGetDistinctHosts(t *testing.T) {
	e := newTestEnv(t)
	base := t.TempDir()

	a := e.startSleeper(t, filepath.Join(base, "wt-a"))
	b := e.startSleeper(t, filepath.Join(base, "wt-b"))
	if a.Host == b.Host {
		t.Fatalf("both servers share host %s", a.Host)
	}
}

func TestStartValidation(t *testing.T) {
	e := newTestEnv(t)

	resp, raw := e.request(t, http.MethodPost, "/v1/servers", api.StartServerRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty request status = %d: %s", resp.StatusCode, raw)
	}

	resp, raw = e.request(t, http.MethodPost, "/v1/servers", api.StartServerRequest{
		Path:    "/does/not/exist",
		Command: "sleep",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing dir status = %d", resp.StatusCode)
	}
	var errResp api.ErrorResponse
	if err := json.Unmarshal(raw, &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error.Code != model.ErrInvalidTarget {
		t.Fatalf("code = %s, want %s", errResp.Error.Code, model.ErrInvalidTarget)
	}
}

func TestServerIDValidation(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.request(t, http.MethodGet, "/v1/servers/%21%21not-base64%21%21", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", resp.StatusCode)
	}

	unknown := model.EncodeID("/no/such/server")
	resp, _ = e.request(t, http.MethodGet, "/v1/servers/"+unknown, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", resp.StatusCode)
	}
}

func TestLogsTail(t *testing.T) {
	e := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "wt")
	server := e.startSleeper(t, path)

	e.appendOutput(t, path, "line one")
	e.appendOutput(t, path, "line two")

	deadline := time.Now().Add(3 * time.Second)
	var logs api.LogsEnvelope
	for time.Now().Before(deadline) {
		_, raw := e.request(t, http.MethodGet, "/v1/servers/"+server.ID+"/logs?tail=10", nil)
		if err := json.Unmarshal(raw, &logs); err != nil {
			t.Fatal(err)
		}
		if len(logs.Logs) >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(logs.Logs) < 2 {
		t.Fatalf("logs = %+v, want 2 lines", logs.Logs)
	}
	if logs.Logs[0].Data != "line one" || logs.Logs[0].Type != "stdout" {
		t.Fatalf("first line = %+v", logs.Logs[0])
	}

	_, raw := e.request(t, http.MethodGet, "/v1/servers/"+server.ID+"/logs?tail=1", nil)
	if err := json.Unmarshal(raw, &logs); err != nil {
		t.Fatal(err)
	}
	if len(logs.Logs) != 1 || logs.Logs[0].Data != "line two" {
		t.Fatalf("tail=1 logs = %+v", logs.Logs)
	}
}

func TestLogsRejectsBadTail(t *testing.T) {
	e := newTestEnv(t)
	server := e.startSleeper(t, filepath.Join(t.TempDir(), "wt"))

	for _, tail := range []string{"0", "-1", "abc"} {
		resp, raw := e.request(t, http.MethodGet, "/v1/servers/"+server.ID+"/logs?tail="+tail, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("tail=%s status = %d, want 400: %s", tail, resp.StatusCode, raw)
		}
		var errResp api.ErrorResponse
		if err := json.Unmarshal(raw, &errResp); err != nil {
			t.Fatal(err)
		}
		if errResp.Error.Code != model.ErrRefInvalid {
			t.Fatalf("tail=%s code = %s, want %s", tail, errResp.Error.Code, model.ErrRefInvalid)
		}
	}
}

func TestLogsFollowStreams(t *testing.T) {
	e := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "wt")
	server := e.startSleeper(t, path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/v1/servers/"+server.ID+"/logs?follow=true", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type = %s", ct)
	}

	e.appendOutput(t, path, "streamed line")

	scanner := bufio.NewScanner(resp.Body)
	if !scanner.Scan() {
		t.Fatalf("no streamed line: %v", scanner.Err())
	}
	var entry api.LogEntry
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Data != "streamed line" || entry.Type != "stdout" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestProxyEnableDisable(t *testing.T) {
	e := newTestEnv(t)
	base := t.TempDir()

	a := e.startSleeper(t, filepath.Join(base, "wt-a"))
	b := e.startSleeper(t, filepath.Join(base, "wt-b"))

	// Proxy requires a running record.
	resp, raw := e.request(t, http.MethodPost, "/v1/proxy/"+a.ID, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("proxy on starting record = %d: %s", resp.StatusCode, raw)
	}
	var errResp api.ErrorResponse
	if err := json.Unmarshal(raw, &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error.Code != model.ErrPrereqNotMet {
		t.Fatalf("code = %s, want %s", errResp.Error.Code, model.ErrPrereqNotMet)
	}

	e.appendOutput(t, filepath.Join(base, "wt-a"), "ready")
	e.appendOutput(t, filepath.Join(base, "wt-b"), "ready")
	e.waitForStatus(t, a.ID, string(model.StatusRunning))
	e.waitForStatus(t, b.ID, string(model.StatusRunning))

	resp, raw = e.request(t, http.MethodPost, "/v1/proxy/"+a.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable a = %d: %s", resp.StatusCode, raw)
	}
	var proxyEnv api.ProxyEnvelope
	if err := json.Unmarshal(raw, &proxyEnv); err != nil {
		t.Fatal(err)
	}
	if proxyEnv.Proxy.Status != string(model.ProxyActive) || proxyEnv.Proxy.Host != a.Host {
		t.Fatalf("proxy = %+v", proxyEnv.Proxy)
	}

	// Enabling b disables a: single active proxy.
	resp, _ = e.request(t, http.MethodPost, "/v1/proxy/"+b.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable b = %d", resp.StatusCode)
	}
	_, raw = e.request(t, http.MethodGet, "/v1/servers/"+a.ID, nil)
	var aEnv api.ServerEnvelope
	if err := json.Unmarshal(raw, &aEnv); err != nil {
		t.Fatal(err)
	}
	if aEnv.Server.Proxy != nil {
		t.Fatalf("a proxy = %+v, want nil after b enabled", aEnv.Server.Proxy)
	}

	resp, _ = e.request(t, http.MethodDelete, "/v1/proxy/"+b.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable b = %d", resp.StatusCode)
	}
}

func TestSweepRemovesStaleLogs(t *testing.T) {
	e := newTestEnv(t)
	if err := os.MkdirAll(e.cfg.LogDir, 0o700); err != nil {
		t.Fatal(err)
	}

	stale := filepath.Join(e.cfg.LogDir, model.EncodeID("/gone/project")+".out.log")
	if err := os.WriteFile(stale, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-14 * 24 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	fresh := filepath.Join(e.cfg.LogDir, model.EncodeID("/recent/project")+".out.log")
	if err := os.WriteFile(fresh, []byte("new\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	e.srv.sweepLogs()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale log still present: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh log removed: %v", err)
	}
}
