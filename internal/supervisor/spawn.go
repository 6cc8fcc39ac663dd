package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// Spawner launches a detached child with stdio redirected to files. Tests
// inject a fake to drive the start protocol without real processes.
type Spawner interface {
	Spawn(dir, command string, args, env []string, stdout, stderr *os.File) (int, error)
}

type execSpawner struct{}

func NewSpawner() Spawner {
	return execSpawner{}
}

// Spawn starts the child in its own session so it survives daemon restarts.
// Setsid makes the child both session and process-group leader, which is what
// the group/session kill passes rely on later.
func (execSpawner) Spawn(dir, command string, args, env []string, stdout, stderr *os.File) (int, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return 0, fmt.Errorf("no pid for %s", command)
	}
	// Sole Wait caller. Reaps the child if it exits while we are still its
	// parent; ignores the result because the liveness poller owns detection.
	go cmd.Wait() //nolint:errcheck
	return cmd.Process.Pid, nil
}

// packageManagers are launchers that require a package.json in the working
// directory to do anything useful.
var packageManagers = map[string]bool{
	"npm":  true,
	"pnpm": true,
	"yarn": true,
	"bun":  true,
	"npx":  true,
}

// buildEnv augments the inherited environment so children launched outside an
// interactive shell still find their tooling, and injects the allocated host.
func buildEnv(dir, host string) []string {
	env := os.Environ()
	extra := toolPaths(dir)
	out := make([]string, 0, len(env)+2)
	pathSeen := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			pathSeen = true
			kv = "PATH=" + strings.Join(append(extra, strings.TrimPrefix(kv, "PATH=")), string(os.PathListSeparator))
		}
		if strings.HasPrefix(kv, "HOST=") {
			continue
		}
		out = append(out, kv)
	}
	if !pathSeen {
		out = append(out, "PATH="+strings.Join(extra, string(os.PathListSeparator)))
	}
	if host != "" {
		out = append(out, "HOST="+host)
	}
	return out
}

// toolPaths lists the directories package managers install into that a
// non-interactive PATH usually lacks.
func toolPaths(dir string) []string {
	paths := []string{filepath.Join(dir, "node_modules", ".bin")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".volta", "bin"),
			filepath.Join(home, ".bun", "bin"),
			filepath.Join(home, "n", "bin"),
		)
	}
	paths = append(paths, "/usr/local/bin", "/opt/homebrew/bin")
	return paths
}
