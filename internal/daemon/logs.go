package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/devserv/devserv/internal/api"
	"github.com/devserv/devserv/internal/model"
)

func (s *Server) serverLogs(w http.ResponseWriter, r *http.Request, path string) {
	capture, ok := s.sup.Capture(path)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "server not found")
		return
	}

	tailN := defaultLogTail
	if raw := strings.TrimSpace(r.URL.Query().Get("tail")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid tail parameter")
			return
		}
		tailN = n
	}
	follow := false
	if raw := strings.TrimSpace(r.URL.Query().Get("follow")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid follow parameter")
			return
		}
		follow = v
	}

	if !follow {
		lines := capture.Tail(tailN)
		out := make([]api.LogEntry, 0, len(lines))
		for _, line := range lines {
			out = append(out, api.LogEntry{Type: string(line.Type), Data: line.Data})
		}
		s.writeJSON(w, http.StatusOK, api.LogsEnvelope{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Logs:          out,
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "streaming unsupported")
		return
	}

	// Subscribe before replaying the tail so no line falls in the gap.
	ch, cancel := capture.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, line := range capture.Tail(tailN) {
		if err := enc.Encode(api.LogEntry{Type: string(line.Type), Data: line.Data}); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(api.LogEntry{Type: string(line.Type), Data: line.Data}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// runRetentionSweep deletes log files whose server is gone and whose last
// write is older than the retention window. Runs once at startup, then on a
// ticker.
func (s *Server) runRetentionSweep(ctx context.Context) {
	s.sweepLogs()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLogs()
		}
	}
}

func (s *Server) sweepLogs() {
	entries, err := os.ReadDir(s.cfg.LogDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.cfg.LogRetention)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		id, ok := logFileID(name)
		if !ok {
			continue
		}
		path, err := model.DecodeID(id)
		if err == nil {
			if _, managed := s.sup.Get(path); managed {
				continue
			}
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		full := filepath.Join(s.cfg.LogDir, name)
		if err := os.Remove(full); err != nil {
			fmt.Fprintf(os.Stderr, "devservd: daemon: sweep %s: %v\n", full, err)
		}
	}
}

func logFileID(name string) (string, bool) {
	for _, suffix := range []string{".out.log", ".err.log"} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), true
		}
	}
	return "", false
}
