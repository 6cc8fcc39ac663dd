// Package cli implements the devserv command line front end over the
// daemon's control socket.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/devserv/devserv/internal/api"
	"github.com/devserv/devserv/internal/appclient"
)

type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "start":
		return r.runStart(ctx, rest[1:])
	case "stop":
		return r.runStop(ctx, rest[1:])
	case "list":
		return r.runList(ctx, rest[1:])
	case "get":
		return r.runGet(ctx, rest[1:])
	case "logs":
		return r.runLogs(ctx, rest[1:])
	case "proxy":
		return r.runProxy(ctx, rest[1:])
	case "health":
		return r.runHealth(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", ".", "working directory of the dev server")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: devserv start [--dir <path>] [--json] <command> [args...]")
		return 2
	}
	path, err := filepath.Abs(*dir)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	env, err := r.client.StartServer(ctx, api.StartServerRequest{
		Path:    path,
		Command: fs.Arg(0),
		Args:    fs.Args()[1:],
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	_, _ = fmt.Fprintf(r.out, "started %s (pid %d) on %s, status %s\n", env.Server.Path, env.Server.PID, env.Server.Host, env.Server.Status)
	return 0
}

func (r *Runner) runStop(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", ".", "working directory of the dev server")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	path, err := filepath.Abs(*dir)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if err := r.client.StopServer(ctx, path); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "stopped %s\n", path)
	return 0
}

func (r *Runner) runList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	env, err := r.client.ListServers(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	tw := tabwriter.NewWriter(r.out, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PATH\tPID\tHOST\tSTATUS\tPROXY")
	for _, server := range env.Servers {
		proxyCol := "-"
		if server.Proxy != nil && server.Proxy.Status == "active" {
			proxyCol = fmt.Sprintf("%v", server.Proxy.Ports)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", server.Path, server.PID, server.Host, server.Status, proxyCol)
	}
	_ = tw.Flush()
	return 0
}

func (r *Runner) runGet(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", ".", "working directory of the dev server")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	path, err := filepath.Abs(*dir)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	env, err := r.client.GetServer(ctx, path)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	server := env.Server
	_, _ = fmt.Fprintf(r.out, "path:    %s\n", server.Path)
	_, _ = fmt.Fprintf(r.out, "pid:     %d\n", server.PID)
	_, _ = fmt.Fprintf(r.out, "command: %s\n", strings.TrimSpace(server.Command+" "+strings.Join(server.Args, " ")))
	_, _ = fmt.Fprintf(r.out, "host:    %s\n", server.Host)
	_, _ = fmt.Fprintf(r.out, "status:  %s\n", server.Status)
	if server.Proxy != nil {
		_, _ = fmt.Fprintf(r.out, "proxy:   %s %v\n", server.Proxy.Status, server.Proxy.Ports)
	}
	return 0
}

func (r *Runner) runLogs(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", ".", "working directory of the dev server")
	tail := fs.Int("tail", 100, "number of trailing lines")
	follow := fs.Bool("f", false, "follow the stream")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	path, err := filepath.Abs(*dir)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	if *follow {
		err := r.client.FollowLogs(ctx, path, *tail, func(entry api.LogEntry) error {
			r.printLogEntry(entry)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			return r.handleErr(err)
		}
		return 0
	}

	env, err := r.client.Logs(ctx, path, *tail)
	if err != nil {
		return r.handleErr(err)
	}
	for _, entry := range env.Logs {
		r.printLogEntry(entry)
	}
	return 0
}

func (r *Runner) printLogEntry(entry api.LogEntry) {
	if entry.Type == "stderr" {
		_, _ = fmt.Fprintln(r.errOut, entry.Data)
		return
	}
	_, _ = fmt.Fprintln(r.out, entry.Data)
}

func (r *Runner) runProxy(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: devserv proxy <on|off> [--dir <path>]")
		return 2
	}
	mode := args[0]
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dir := fs.String("dir", ".", "working directory of the dev server")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	path, err := filepath.Abs(*dir)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	switch mode {
	case "on":
		env, err := r.client.EnableProxy(ctx, path)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(env)
		}
		_, _ = fmt.Fprintf(r.out, "proxy active: %v -> %s\n", env.Proxy.Ports, env.Proxy.Host)
		return 0
	case "off":
		if err := r.client.DisableProxy(ctx, path); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "proxy disabled for %s\n", path)
		return 0
	default:
		_, _ = fmt.Fprintln(r.errOut, "usage: devserv proxy <on|off> [--dir <path>]")
		return 2
	}
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	health, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(health)
	}
	_, _ = fmt.Fprintf(r.out, "status: %s, servers: %d\n", health.Status, health.ServerCount)
	return 0
}

func (r *Runner) printJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 1
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	var reqErr *appclient.RequestError
	if errors.As(err, &reqErr) {
		_, _ = fmt.Fprintf(r.errOut, "error: %s\n", reqErr.Error())
		return 1
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: devserv [--socket <path>] <start|stop|list|get|logs|proxy|health> ...")
}
