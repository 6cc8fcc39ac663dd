package main

import (
	"context"
	"os"

	"github.com/devserv/devserv/internal/appclient"
	"github.com/devserv/devserv/internal/cli"
	"github.com/devserv/devserv/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	client := appclient.New(cfg.SocketPath).WithUnaryTimeout(cfg.RequestTimeout)
	r := cli.NewRunnerWithClient(client, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
