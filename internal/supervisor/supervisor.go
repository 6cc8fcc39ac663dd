// Package supervisor owns the registry of managed dev servers: spawning,
// liveness monitoring, kill escalation, and reconciliation of processes that
// outlived a previous daemon instance.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/devserv/devserv/internal/config"
	"github.com/devserv/devserv/internal/db"
	"github.com/devserv/devserv/internal/hostalloc"
	"github.com/devserv/devserv/internal/logbuf"
	"github.com/devserv/devserv/internal/model"
	"github.com/devserv/devserv/internal/readiness"
)

var (
	ErrInvalidTarget = errors.New("invalid target")
	ErrSpawnFailed   = errors.New("spawn failed")
	ErrNotFound      = errors.New("server not found")
)

// devToolPatterns drive the final working-directory sweep of the stop
// protocol. Matched against the full command line, lowercased.
var devToolPatterns = []string{
	"node", "npm", "pnpm", "yarn", "bun", "vite", "next", "webpack", "turbopack", "esbuild",
}

// ProxyReleaser tears down any proxy binding for a path. Wired by the daemon
// so stopping a server never leaves a route pointing at a dead host.
type ProxyReleaser interface {
	Disable(ctx context.Context, path string) error
}

type managed struct {
	rec     model.ServerRecord
	capture *logbuf.Capture
	cancel  context.CancelFunc
}

type Supervisor struct {
	cfg     config.Config
	store   *db.Store
	hosts   *hostalloc.Allocator
	table   ProcessTable
	spawner Spawner
	proxy   ProxyReleaser

	mu      sync.Mutex
	records map[string]*managed
	paths   map[string]*sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg config.Config, store *db.Store, hosts *hostalloc.Allocator) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		store:   store,
		hosts:   hosts,
		table:   NewProcessTable(),
		spawner: NewSpawner(),
		records: map[string]*managed{},
		paths:   map[string]*sync.Mutex{},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SetProxyReleaser wires proxy teardown into the stop path. Optional.
func (s *Supervisor) SetProxyReleaser(p ProxyReleaser) {
	s.proxy = p
}

// Close cancels every monitor and waits for them to drain. Managed children
// keep running; they are detached by design.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.records {
		m.capture.Stop()
	}
}

// pathLock serializes all registry mutations for one path. Start-while-stop
// races are the hazard this exists for.
func (s *Supervisor) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.paths[path]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.paths[path] = lock
	return lock
}

// Start validates the target, stops any live record for the same path, then
// spawns the command detached with its output redirected to log files. The
// returned record is in status starting; readiness resolves asynchronously.
func (s *Supervisor) Start(ctx context.Context, path, command string, args []string) (model.ServerRecord, error) {
	if !filepath.IsAbs(path) {
		return model.ServerRecord{}, fmt.Errorf("%w: path %q is not absolute", ErrInvalidTarget, path)
	}
	st, err := os.Stat(path)
	if err != nil || !st.IsDir() {
		return model.ServerRecord{}, fmt.Errorf("%w: %q is not a directory", ErrInvalidTarget, path)
	}
	if command == "" {
		return model.ServerRecord{}, fmt.Errorf("%w: empty command", ErrInvalidTarget)
	}
	if packageManagers[command] {
		if _, err := os.Stat(filepath.Join(path, "package.json")); err != nil {
			return model.ServerRecord{}, fmt.Errorf("%w: %s launcher but no package.json in %q", ErrInvalidTarget, command, path)
		}
	}

	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	if m := s.lookup(path); m != nil && !m.rec.Status.Terminal() {
		s.stopLocked(ctx, path)
	}

	host, err := s.hosts.Allocate(ctx, path)
	if err != nil {
		return model.ServerRecord{}, err
	}

	outPath, errPath := s.logPaths(path)
	if err := os.MkdirAll(s.cfg.LogDir, 0o700); err != nil {
		return model.ServerRecord{}, fmt.Errorf("create log dir: %w", err)
	}
	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return model.ServerRecord{}, fmt.Errorf("open stdout log: %w", err)
	}
	errFile, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		outFile.Close() //nolint:errcheck
		return model.ServerRecord{}, fmt.Errorf("open stderr log: %w", err)
	}

	pid, spawnErr := s.spawner.Spawn(path, command, args, buildEnv(path, host), outFile, errFile)
	outFile.Close() //nolint:errcheck
	errFile.Close() //nolint:errcheck
	if spawnErr != nil {
		if err := s.hosts.Release(ctx, path); err != nil {
			s.logf("release host after failed spawn for %s: %v", path, err)
		}
		return model.ServerRecord{}, fmt.Errorf("%w: %v", ErrSpawnFailed, spawnErr)
	}

	rec := model.ServerRecord{
		ID:        model.EncodeID(path),
		Path:      path,
		PID:       pid,
		Command:   command,
		Args:      args,
		Host:      host,
		Status:    model.StatusStarting,
		StartTime: time.Now().UTC(),
		OutputLog: outPath,
		ErrorLog:  errPath,
	}
	if err := s.store.UpsertServer(ctx, rec); err != nil {
		s.logf("persist record for %s: %v", path, err)
	}

	s.attach(rec, true)
	return rec, nil
}

// attach installs a managed entry with its tailers, liveness poller, and
// (for fresh spawns) the readiness watcher.
func (s *Supervisor) attach(rec model.ServerRecord, fresh bool) {
	capture := logbuf.NewCapture(s.cfg.LogBufferLines, s.cfg.LogPollInterval)
	if !fresh {
		capture.Preload(rec.OutputLog, rec.ErrorLog)
	}

	// Subscribe before the tailers start so a banner line drained on the
	// first poll cannot slip past the detector.
	watch := fresh && rec.Status == model.StatusStarting
	var lines <-chan model.LogLine
	var cancelSub func()
	if watch {
		lines, cancelSub = capture.Subscribe()
	}

	mctx, cancel := context.WithCancel(s.baseCtx)
	capture.Attach(mctx, rec.OutputLog, rec.ErrorLog, fresh)

	m := &managed{rec: rec, capture: capture, cancel: cancel}
	s.mu.Lock()
	s.records[rec.Path] = m
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pollLiveness(mctx, rec.Path, rec.PID)
	if watch {
		s.wg.Add(1)
		go s.awaitReadiness(mctx, rec.Path, rec.PID, lines, cancelSub)
	}
}

func (s *Supervisor) pollLiveness(ctx context.Context, path string, pid int) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.table.Alive(pid) {
				continue
			}
			s.handleDeath(path, pid)
			return
		}
	}
}

// handleDeath runs when the liveness poller finds the pid gone. The record is
// pruned and its host and proxy bindings released.
func (s *Supervisor) handleDeath(path string, pid int) {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	m := s.lookup(path)
	if m == nil || m.rec.PID != pid || m.rec.Status.Terminal() {
		return
	}
	s.logf("pid %d for %s died, pruning record", pid, path)
	s.teardown(context.Background(), m, true)
}

func (s *Supervisor) awaitReadiness(ctx context.Context, path string, pid int, lines <-chan model.LogLine, cancelSub func()) {
	defer s.wg.Done()
	defer cancelSub()

	det := readiness.New(s.cfg.ReadyTotalTimeout, s.cfg.ReadyIdleTimeout, s.cfg.ReadySentinel)
	err := det.Wait(ctx, lines)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		s.setStatus(path, pid, model.StatusRunning)
		return
	}

	// Failing closed: an unconfirmed startup becomes an error record, and
	// whatever was spawned is torn down so it does not linger half-alive.
	s.logf("readiness for %s: %v", path, err)
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()
	m := s.lookup(path)
	if m == nil || m.rec.PID != pid || m.rec.Status != model.StatusStarting {
		return
	}
	s.killTree(pid, path)
	s.releaseBindings(context.Background(), path)
	m.cancel()
	s.setRecStatus(m, model.StatusError)
	if err := s.store.UpdateServerStatus(context.Background(), path, model.StatusError); err != nil && !errors.Is(err, db.ErrNotFound) {
		s.logf("persist error status for %s: %v", path, err)
	}
}

// Stop terminates the record's process tree and clears all of its bindings.
// Stopping an unknown path is a no-op. Past the point the record leaves the
// registry, failures are logged and swallowed.
func (s *Supervisor) Stop(ctx context.Context, path string) error {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()
	s.stopLocked(ctx, path)
	return nil
}

func (s *Supervisor) stopLocked(ctx context.Context, path string) {
	m := s.lookup(path)
	if m == nil {
		return
	}
	if !m.rec.Status.Terminal() {
		s.killTree(m.rec.PID, path)
	}
	s.teardown(ctx, m, true)
}

// teardown cancels monitors, releases bindings, and prunes the record.
func (s *Supervisor) teardown(ctx context.Context, m *managed, release bool) {
	m.cancel()
	m.capture.Stop()
	if release {
		s.releaseBindings(ctx, m.rec.Path)
	}
	if err := s.store.DeleteServer(ctx, m.rec.Path); err != nil && !errors.Is(err, db.ErrNotFound) {
		s.logf("prune record for %s: %v", m.rec.Path, err)
	}
	s.mu.Lock()
	delete(s.records, m.rec.Path)
	s.mu.Unlock()
}

func (s *Supervisor) releaseBindings(ctx context.Context, path string) {
	if s.proxy != nil {
		if err := s.proxy.Disable(ctx, path); err != nil {
			s.logf("disable proxy for %s: %v", path, err)
		}
	}
	if err := s.hosts.Release(ctx, path); err != nil {
		s.logf("release host for %s: %v", path, err)
	}
}

// killTree escalates group → session → descendants → self, TERM first, then
// KILL once after the grace period, then sweeps the working directory for
// leftover dev-tool processes.
func (s *Supervisor) killTree(pid int, dir string) {
	s.signalPass(pid, syscall.SIGTERM)
	time.Sleep(s.cfg.StopGracePeriod)
	if s.table.Alive(pid) {
		s.signalPass(pid, syscall.SIGKILL)
	}
	for _, leftover := range s.table.ProcessesInDir(dir, devToolPatterns) {
		if leftover == pid {
			continue
		}
		if err := s.table.Signal(leftover, syscall.SIGKILL); err != nil {
			s.logf("sweep pid %d in %s: %v", leftover, dir, err)
		}
	}
}

func (s *Supervisor) signalPass(pid int, sig syscall.Signal) {
	// Setsid at spawn made pid both group and session leader.
	if err := s.table.SignalGroup(pid, sig); err != nil {
		s.logf("signal group %d: %v", pid, err)
	}
	for _, member := range s.table.SessionMembers(pid) {
		s.table.Signal(member, sig) //nolint:errcheck
	}
	for _, desc := range s.table.Descendants(pid) {
		s.table.Signal(desc, sig) //nolint:errcheck
	}
	s.table.Signal(pid, sig) //nolint:errcheck
}

// Get returns the record for path, if managed.
func (s *Supervisor) Get(path string) (model.ServerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[path]
	if !ok {
		return model.ServerRecord{}, false
	}
	return m.rec, true
}

// ListAll returns every managed record, ordered by path.
func (s *Supervisor) ListAll() []model.ServerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ServerRecord, 0, len(s.records))
	for _, m := range s.records {
		out = append(out, m.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Capture exposes the log buffers for a managed record.
func (s *Supervisor) Capture(path string) (*logbuf.Capture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[path]
	if !ok {
		return nil, false
	}
	return m.capture, true
}

// ReconcileOrphans rebuilds the registry from persisted records after a
// daemon restart. Records whose directory or process is gone are pruned with
// their host released; survivors are re-attached without respawning.
func (s *Supervisor) ReconcileOrphans(ctx context.Context) error {
	recs, err := s.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list persisted servers: %w", err)
	}

	active := map[string]bool{}
	for _, rec := range recs {
		switch {
		case rec.Status.Terminal():
			s.prunePersisted(ctx, rec, false)
		case !dirExists(rec.Path):
			s.logf("reconcile: directory gone for %s, pruning", rec.Path)
			s.prunePersisted(ctx, rec, true)
		case !s.table.Alive(rec.PID):
			s.logf("reconcile: pid %d dead for %s, pruning", rec.PID, rec.Path)
			s.prunePersisted(ctx, rec, true)
		default:
			s.attach(rec, false)
			active[rec.Path] = true
		}
	}
	if err := s.hosts.Reconcile(ctx, active); err != nil {
		return fmt.Errorf("reconcile allocations: %w", err)
	}
	return nil
}

func (s *Supervisor) prunePersisted(ctx context.Context, rec model.ServerRecord, release bool) {
	if release {
		s.releaseBindings(ctx, rec.Path)
	}
	if err := s.store.DeleteServer(ctx, rec.Path); err != nil && !errors.Is(err, db.ErrNotFound) {
		s.logf("prune persisted record for %s: %v", rec.Path, err)
	}
}

func (s *Supervisor) setStatus(path string, pid int, status model.Status) {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()
	m := s.lookup(path)
	if m == nil || m.rec.PID != pid || m.rec.Status.Terminal() {
		return
	}
	s.setRecStatus(m, status)
	if err := s.store.UpdateServerStatus(context.Background(), path, status); err != nil && !errors.Is(err, db.ErrNotFound) {
		s.logf("persist status %s for %s: %v", status, path, err)
	}
}

// setRecStatus mutates the registry copy of a record. Writers hold the path
// lock; s.mu is taken as well because Get and ListAll read records under s.mu
// without the path lock.
func (s *Supervisor) setRecStatus(m *managed, status model.Status) {
	s.mu.Lock()
	m.rec.Status = status
	s.mu.Unlock()
}

// lookup must be called with the path lock held when the result is mutated.
func (s *Supervisor) lookup(path string) *managed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[path]
}

func (s *Supervisor) logPaths(path string) (string, string) {
	id := model.EncodeID(path)
	return filepath.Join(s.cfg.LogDir, id+".out.log"), filepath.Join(s.cfg.LogDir, id+".err.log")
}

func dirExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func (s *Supervisor) logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "devservd: supervisor: "+format+"\n", args...)
}
