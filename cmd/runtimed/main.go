// runtimed is the container runtime sidecar: it serves the engine's build,
// run, and image operations over a Unix socket, executing them through the
// local container engine CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dartcloud/dartcloud/internal/logging"
	"github.com/dartcloud/dartcloud/internal/runtime"
)

func main() {
	socketPath := flag.String("socket", "/run/dartcloud/runtimed.sock", "Unix socket to listen on")
	binary := flag.String("engine", "", "Container engine binary (default podman)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logging.SetLevelFromString(*logLevel)
	logging.InitJSON()

	rt := runtime.NewCLI()
	if *binary != "" {
		rt.Binary = *binary
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := runtime.NewServer(rt, *socketPath)
	logging.Op().Info("runtimed listening", "socket", *socketPath)
	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
