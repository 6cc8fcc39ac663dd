package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/devserv/devserv/internal/db"
	"github.com/devserv/devserv/internal/model"
)

type fakeRecords struct {
	recs map[string]model.ServerRecord
}

func (f *fakeRecords) Get(path string) (model.ServerRecord, bool) {
	rec, ok := f.recs[path]
	return rec, ok
}

// fakeAdmin implements just enough of the proxy admin config API.
type fakeAdmin struct {
	mu      sync.Mutex
	routes  map[string]routeConfig
	failPut map[string]bool
	puts    []string
	deletes []string
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{routes: map[string]routeConfig{}, failPut: map[string]bool{}}
}

func (f *fakeAdmin) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/config/apps/http/servers/")
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			if f.failPut[id] {
				http.Error(w, "injected failure", http.StatusInternalServerError)
				return
			}
			var cfg routeConfig
			if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.routes[id] = cfg
			f.puts = append(f.puts, id)
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			if _, ok := f.routes[id]; !ok {
				http.NotFound(w, r)
				return
			}
			delete(f.routes, id)
			f.deletes = append(f.deletes, id)
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (f *fakeAdmin) routeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routes)
}

func newTestManager(t *testing.T, ports []int) (*Manager, *fakeAdmin, *fakeRecords) {
	t.Helper()
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(context.Background(), store.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	admin := newFakeAdmin()
	srv := httptest.NewServer(admin.handler())
	t.Cleanup(srv.Close)

	records := &fakeRecords{recs: map[string]model.ServerRecord{}}
	return New(store, records, srv.URL, ports), admin, records
}

func running(path, host string) model.ServerRecord {
	return model.ServerRecord{Path: path, Host: host, Status: model.StatusRunning, PID: 42}
}

func TestEnableRegistersRoutePerPort(t *testing.T) {
	m, admin, records := newTestManager(t, []int{3000, 3001})
	records.recs["/wt-a"] = running("/wt-a", "127.0.0.2")

	state, err := m.Enable(context.Background(), "/wt-a")
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if state.Status != model.ProxyActive || len(state.RouteIDs) != 2 {
		t.Fatalf("state = %+v", state)
	}

	admin.mu.Lock()
	cfg := admin.routes["devserv-3000"]
	admin.mu.Unlock()
	if len(cfg.Listen) != 1 || cfg.Listen[0] != ":3000" {
		t.Fatalf("listen = %v", cfg.Listen)
	}
	dial := cfg.Routes[0].Handle[0].Upstreams[0].Dial
	if dial != "127.0.0.2:3000" {
		t.Fatalf("dial = %s", dial)
	}

	got, err := m.State(context.Background(), "/wt-a")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got.Status != model.ProxyActive {
		t.Fatalf("persisted status = %s", got.Status)
	}
}

func TestEnableRequiresRunningRecord(t *testing.T) {
	m, _, records := newTestManager(t, []int{3000})

	if _, err := m.Enable(context.Background(), "/unknown"); !errors.Is(err, ErrPrereqNotMet) {
		t.Fatalf("unknown path err = %v, want ErrPrereqNotMet", err)
	}

	records.recs["/wt-a"] = model.ServerRecord{Path: "/wt-a", Host: "127.0.0.2", Status: model.StatusStarting}
	if _, err := m.Enable(context.Background(), "/wt-a"); !errors.Is(err, ErrPrereqNotMet) {
		t.Fatalf("starting record err = %v, want ErrPrereqNotMet", err)
	}

	records.recs["/wt-b"] = model.ServerRecord{Path: "/wt-b", Status: model.StatusRunning}
	if _, err := m.Enable(context.Background(), "/wt-b"); !errors.Is(err, ErrPrereqNotMet) {
		t.Fatalf("hostless record err = %v, want ErrPrereqNotMet", err)
	}
}

func TestEnableDisablesOtherActiveProxy(t *testing.T) {
	m, admin, records := newTestManager(t, []int{3000})
	records.recs["/wt-a"] = running("/wt-a", "127.0.0.2")
	records.recs["/wt-b"] = running("/wt-b", "127.0.0.3")
	ctx := context.Background()

	if _, err := m.Enable(ctx, "/wt-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Enable(ctx, "/wt-b"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.State(ctx, "/wt-a"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("wt-a state err = %v, want ErrNotFound", err)
	}
	got, err := m.State(ctx, "/wt-b")
	if err != nil || got.Status != model.ProxyActive {
		t.Fatalf("wt-b state = %+v, err = %v", got, err)
	}
	// Exactly one listener registered afterward.
	if admin.routeCount() != 1 {
		t.Fatalf("admin has %d routes, want 1", admin.routeCount())
	}
}

func TestEnableRollsBackOnPartialFailure(t *testing.T) {
	m, admin, records := newTestManager(t, []int{3000, 3001, 3002})
	records.recs["/wt-a"] = running("/wt-a", "127.0.0.2")

	admin.mu.Lock()
	admin.failPut["devserv-3002"] = true
	admin.mu.Unlock()

	_, err := m.Enable(context.Background(), "/wt-a")
	if !errors.Is(err, ErrConfigFailed) {
		t.Fatalf("err = %v, want ErrConfigFailed", err)
	}
	if !strings.Contains(err.Error(), "3002") {
		t.Fatalf("err %q does not name the failed port", err)
	}
	if admin.routeCount() != 0 {
		t.Fatalf("admin has %d routes after rollback, want 0", admin.routeCount())
	}
	if _, err := m.State(context.Background(), "/wt-a"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("state err = %v, want ErrNotFound", err)
	}
}

func TestDisableIsIdempotent(t *testing.T) {
	m, admin, records := newTestManager(t, []int{3000})
	records.recs["/wt-a"] = running("/wt-a", "127.0.0.2")
	ctx := context.Background()

	if err := m.Disable(ctx, "/never-enabled"); err != nil {
		t.Fatalf("disable unknown: %v", err)
	}

	if _, err := m.Enable(ctx, "/wt-a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Disable(ctx, "/wt-a"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if admin.routeCount() != 0 {
		t.Fatalf("admin has %d routes, want 0", admin.routeCount())
	}
	if err := m.Disable(ctx, "/wt-a"); err != nil {
		t.Fatalf("second disable: %v", err)
	}
}

func TestReconcileDropsStateForStoppedServers(t *testing.T) {
	m, admin, records := newTestManager(t, []int{3000})
	records.recs["/wt-a"] = running("/wt-a", "127.0.0.2")
	ctx := context.Background()

	if _, err := m.Enable(ctx, "/wt-a"); err != nil {
		t.Fatal(err)
	}

	// The server died while the daemon was down.
	delete(records.recs, "/wt-a")
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, err := m.State(ctx, "/wt-a"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("state err = %v, want ErrNotFound", err)
	}
	if admin.routeCount() != 0 {
		t.Fatalf("admin has %d routes, want 0", admin.routeCount())
	}
}
