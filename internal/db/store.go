package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devserv/devserv/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) UpsertServer(ctx context.Context, rec model.ServerRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO servers(path, pid, command, args, host, status, start_time, output_log, error_log, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	pid=excluded.pid,
	command=excluded.command,
	args=excluded.args,
	host=excluded.host,
	status=excluded.status,
	start_time=excluded.start_time,
	output_log=excluded.output_log,
	error_log=excluded.error_log,
	updated_at=excluded.updated_at
`, rec.Path, rec.PID, rec.Command, string(args), rec.Host, string(rec.Status), ts(rec.StartTime), rec.OutputLog, rec.ErrorLog, ts(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert server: %w", err)
	}
	return nil
}

func (s *Store) UpdateServerStatus(ctx context.Context, path string, status model.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE servers SET status = ?, updated_at = ? WHERE path = ?`,
		string(status), ts(time.Now().UTC()), path)
	if err != nil {
		return fmt.Errorf("update server status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update server status rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetServer(ctx context.Context, path string) (model.ServerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT path, pid, command, args, host, status, start_time, output_log, error_log, updated_at
FROM servers WHERE path = ?`, path)
	rec, err := scanServer(row)
	if err == sql.ErrNoRows {
		return model.ServerRecord{}, ErrNotFound
	}
	if err != nil {
		return model.ServerRecord{}, fmt.Errorf("get server: %w", err)
	}
	return rec, nil
}

func (s *Store) ListServers(ctx context.Context) ([]model.ServerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT path, pid, command, args, host, status, start_time, output_log, error_log, updated_at
FROM servers ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ServerRecord
	for rows.Next() {
		rec, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteServer(ctx context.Context, path string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete server rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (model.ServerRecord, error) {
	var (
		rec       model.ServerRecord
		args      string
		status    string
		startTime string
		updatedAt string
	)
	if err := row.Scan(&rec.Path, &rec.PID, &rec.Command, &args, &rec.Host, &status, &startTime, &rec.OutputLog, &rec.ErrorLog, &updatedAt); err != nil {
		return model.ServerRecord{}, err
	}
	if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
		return model.ServerRecord{}, fmt.Errorf("parse args: %w", err)
	}
	rec.ID = model.EncodeID(rec.Path)
	rec.Status = model.Status(status)
	var err error
	if rec.StartTime, err = parseTS(startTime); err != nil {
		return model.ServerRecord{}, fmt.Errorf("parse start_time: %w", err)
	}
	if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.ServerRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}

func (s *Store) InsertAllocation(ctx context.Context, alloc model.HostAllocation) error {
	if alloc.AllocatedAt.IsZero() {
		alloc.AllocatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO host_allocations(path, host, allocated_at) VALUES (?, ?, ?)`,
		alloc.Path, alloc.Host, ts(alloc.AllocatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

func (s *Store) GetAllocation(ctx context.Context, path string) (model.HostAllocation, error) {
	var (
		alloc       model.HostAllocation
		allocatedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT path, host, allocated_at FROM host_allocations WHERE path = ?`, path).
		Scan(&alloc.Path, &alloc.Host, &allocatedAt)
	if err == sql.ErrNoRows {
		return model.HostAllocation{}, ErrNotFound
	}
	if err != nil {
		return model.HostAllocation{}, fmt.Errorf("get allocation: %w", err)
	}
	if alloc.AllocatedAt, err = parseTS(allocatedAt); err != nil {
		return model.HostAllocation{}, fmt.Errorf("parse allocated_at: %w", err)
	}
	return alloc, nil
}

func (s *Store) ListAllocations(ctx context.Context) ([]model.HostAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, host, allocated_at FROM host_allocations ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.HostAllocation
	for rows.Next() {
		var (
			alloc       model.HostAllocation
			allocatedAt string
		)
		if err := rows.Scan(&alloc.Path, &alloc.Host, &allocatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		if alloc.AllocatedAt, err = parseTS(allocatedAt); err != nil {
			return nil, fmt.Errorf("parse allocated_at: %w", err)
		}
		out = append(out, alloc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteAllocation(ctx context.Context, path string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM host_allocations WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete allocation rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpsertProxyState(ctx context.Context, state model.ProxyState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	ports, err := json.Marshal(state.Ports)
	if err != nil {
		return fmt.Errorf("marshal ports: %w", err)
	}
	routeIDs, err := json.Marshal(state.RouteIDs)
	if err != nil {
		return fmt.Errorf("marshal route ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO proxy_routes(path, host, ports, route_ids, status, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	host=excluded.host,
	ports=excluded.ports,
	route_ids=excluded.route_ids,
	status=excluded.status,
	updated_at=excluded.updated_at
`, state.Path, state.Host, string(ports), string(routeIDs), string(state.Status), ts(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert proxy state: %w", err)
	}
	return nil
}

func (s *Store) GetProxyState(ctx context.Context, path string) (model.ProxyState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT path, host, ports, route_ids, status, updated_at FROM proxy_routes WHERE path = ?`, path)
	state, err := scanProxyState(row)
	if err == sql.ErrNoRows {
		return model.ProxyState{}, ErrNotFound
	}
	if err != nil {
		return model.ProxyState{}, fmt.Errorf("get proxy state: %w", err)
	}
	return state, nil
}

func (s *Store) ListProxyStates(ctx context.Context) ([]model.ProxyState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT path, host, ports, route_ids, status, updated_at FROM proxy_routes ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list proxy states: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProxyState
	for rows.Next() {
		state, err := scanProxyState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy state: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxy states: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteProxyState(ctx context.Context, path string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proxy_routes WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete proxy state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete proxy state rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProxyState(row rowScanner) (model.ProxyState, error) {
	var (
		state     model.ProxyState
		ports     string
		routeIDs  string
		status    string
		updatedAt string
	)
	if err := row.Scan(&state.Path, &state.Host, &ports, &routeIDs, &status, &updatedAt); err != nil {
		return model.ProxyState{}, err
	}
	if err := json.Unmarshal([]byte(ports), &state.Ports); err != nil {
		return model.ProxyState{}, fmt.Errorf("parse ports: %w", err)
	}
	if err := json.Unmarshal([]byte(routeIDs), &state.RouteIDs); err != nil {
		return model.ProxyState{}, fmt.Errorf("parse route_ids: %w", err)
	}
	state.Status = model.ProxyStatus(status)
	var err error
	if state.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.ProxyState{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return state, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
