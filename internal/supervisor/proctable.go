package supervisor

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcessTable is the supervisor's view of the OS process table. The live
// implementation signals real processes and enumerates via ps; tests inject a
// fake so kill escalation can be exercised without spawning anything.
type ProcessTable interface {
	// Alive reports whether pid exists and can be signalled.
	Alive(pid int) bool
	// Signal delivers sig to a single pid.
	Signal(pid int, sig syscall.Signal) error
	// SignalGroup delivers sig to the process group led by pgid.
	SignalGroup(pgid int, sig syscall.Signal) error
	// SessionMembers returns pids whose session id is sid, excluding sid.
	SessionMembers(sid int) []int
	// Descendants returns all transitive children of pid, deepest first, so
	// callers can kill bottom-up without re-parenting orphans.
	Descendants(pid int) []int
	// ProcessesInDir returns pids whose working directory is dir and whose
	// command matches one of the patterns.
	ProcessesInDir(dir string, patterns []string) []int
}

type osProcessTable struct{}

// NewProcessTable returns the live process table.
func NewProcessTable() ProcessTable {
	return osProcessTable{}
}

func (osProcessTable) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func (osProcessTable) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("signal invalid pid %d", pid)
	}
	return syscall.Kill(pid, sig)
}

func (osProcessTable) SignalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return fmt.Errorf("signal invalid pgid %d", pgid)
	}
	return syscall.Kill(-pgid, sig)
}

type psEntry struct {
	pid  int
	ppid int
	sess int
	cmd  string
}

// snapshot shells out to ps once per enumeration. Reading the table once and
// walking it in memory keeps the kill passes consistent with each other.
func snapshot() []psEntry {
	out, err := exec.Command("ps", "-e", "-o", "pid=,ppid=,sess=,command=").Output()
	if err != nil {
		return nil
	}
	var entries []psEntry
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		sess, err3 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		entries = append(entries, psEntry{pid: pid, ppid: ppid, sess: sess, cmd: strings.Join(fields[3:], " ")})
	}
	return entries
}

func (osProcessTable) SessionMembers(sid int) []int {
	var out []int
	for _, e := range snapshot() {
		if e.sess == sid && e.pid != sid {
			out = append(out, e.pid)
		}
	}
	return out
}

func (osProcessTable) Descendants(pid int) []int {
	entries := snapshot()
	children := map[int][]int{}
	for _, e := range entries {
		children[e.ppid] = append(children[e.ppid], e.pid)
	}
	var walk func(int) []int
	walk = func(p int) []int {
		var out []int
		for _, child := range children[p] {
			out = append(out, walk(child)...)
			out = append(out, child)
		}
		return out
	}
	return walk(pid)
}

func (osProcessTable) ProcessesInDir(dir string, patterns []string) []int {
	dir = filepath.Clean(dir)
	var out []int
	for _, e := range snapshot() {
		if !matchesAny(e.cmd, patterns) {
			continue
		}
		cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", e.pid))
		if err != nil {
			continue
		}
		if filepath.Clean(cwd) == dir {
			out = append(out, e.pid)
		}
	}
	return out
}

func matchesAny(cmd string, patterns []string) bool {
	lower := strings.ToLower(cmd)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
