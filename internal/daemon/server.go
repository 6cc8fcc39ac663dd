// Package daemon serves the control API over a unix domain socket. One
// daemon instance runs per user, enforced by a flock'd lock file next to
// the socket.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/devserv/devserv/internal/api"
	"github.com/devserv/devserv/internal/config"
	"github.com/devserv/devserv/internal/db"
	"github.com/devserv/devserv/internal/hostalloc"
	"github.com/devserv/devserv/internal/model"
	"github.com/devserv/devserv/internal/proxy"
	"github.com/devserv/devserv/internal/readiness"
	"github.com/devserv/devserv/internal/supervisor"
)

const defaultLogTail = 200

type Server struct {
	cfg      config.Config
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File
	store    *db.Store
	sup      *supervisor.Supervisor
	proxies  *proxy.Manager
	streamID string

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, sup *supervisor.Supervisor, proxies *proxy.Manager) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		store:    store,
		sup:      sup,
		proxies:  proxies,
		streamID: uuid.NewString(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/servers", s.serversHandler)
	mux.HandleFunc("/v1/servers/", s.serverByIDHandler)
	mux.HandleFunc("/v1/proxy/", s.proxyByIDHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go s.runRetentionSweep(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		StreamID:      s.streamID,
		Status:        "ok",
		ServerCount:   len(s.sup.ListAll()),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) serversHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listServers(w, r)
	case http.MethodPost:
		s.startServer(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	recs := s.sup.ListAll()
	out := make([]api.ServerResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.toServerResponse(r.Context(), rec))
	}
	s.writeJSON(w, http.StatusOK, api.ServersEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Servers:       out,
	})
}

func (s *Server) startServer(w http.ResponseWriter, r *http.Request) {
	var req api.StartServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Path) == "" || strings.TrimSpace(req.Command) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidTarget, "path and command are required")
		return
	}
	rec, err := s.sup.Start(r.Context(), req.Path, req.Command, req.Args)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.ServerEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Server:        s.toServerResponse(r.Context(), rec),
	})
}

func (s *Server) serverByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/servers/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "server route not found")
		return
	}
	path, err := model.DecodeID(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid server id")
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.getServer(w, r, path)
		case http.MethodDelete:
			s.stopServer(w, r, path)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	case len(parts) == 2 && parts[1] == "logs":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.serverLogs(w, r, path)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "server route not found")
	}
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request, path string) {
	rec, ok := s.sup.Get(path)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "server not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.ServerEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Server:        s.toServerResponse(r.Context(), rec),
	})
}

// stopServer is best-effort by contract: once issued it always reports 200.
func (s *Server) stopServer(w http.ResponseWriter, r *http.Request, path string) {
	if err := s.sup.Stop(r.Context(), path); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "stopped",
	})
}

func (s *Server) proxyByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/proxy/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "proxy route not found")
		return
	}
	path, err := model.DecodeID(id)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid server id")
		return
	}

	switch r.Method {
	case http.MethodPost:
		state, err := s.proxies.Enable(r.Context(), path)
		if err != nil {
			s.writeOpError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.ProxyEnvelope{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Path:          path,
			Proxy: api.ProxyInfo{
				Status: string(state.Status),
				Host:   state.Host,
				Ports:  state.Ports,
			},
		})
	case http.MethodDelete:
		if err := s.proxies.Disable(r.Context(), path); err != nil {
			s.writeOpError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.StatusEnvelope{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Status:        "disabled",
		})
	default:
		s.methodNotAllowed(w, http.MethodPost, http.MethodDelete)
	}
}

func (s *Server) toServerResponse(ctx context.Context, rec model.ServerRecord) api.ServerResponse {
	resp := api.ServerResponse{
		ID:        rec.ID,
		Path:      rec.Path,
		PID:       rec.PID,
		Command:   rec.Command,
		Args:      rec.Args,
		Host:      rec.Host,
		Status:    string(rec.Status),
		StartTime: rec.StartTime.UTC().Format(time.RFC3339Nano),
	}
	if state, err := s.proxies.State(ctx, rec.Path); err == nil {
		resp.Proxy = &api.ProxyInfo{
			Status: string(state.Status),
			Host:   state.Host,
			Ports:  state.Ports,
		}
	}
	return resp
}

// writeOpError maps component errors onto the wire taxonomy.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrInvalidTarget):
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidTarget, err.Error())
	case errors.Is(err, supervisor.ErrSpawnFailed):
		s.writeError(w, http.StatusInternalServerError, model.ErrSpawnFailed, err.Error())
	case errors.Is(err, hostalloc.ErrExhausted):
		s.writeError(w, http.StatusConflict, model.ErrPoolExhausted, err.Error())
	case errors.Is(err, proxy.ErrPrereqNotMet):
		s.writeError(w, http.StatusConflict, model.ErrPrereqNotMet, err.Error())
	case errors.Is(err, proxy.ErrConfigFailed):
		s.writeError(w, http.StatusBadGateway, model.ErrProxyConfig, err.Error())
	case errors.Is(err, readiness.ErrTimedOut):
		s.writeError(w, http.StatusGatewayTimeout, model.ErrTimeout, err.Error())
	case errors.Is(err, db.ErrNotFound), errors.Is(err, supervisor.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
