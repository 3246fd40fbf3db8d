package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"memory-graph-go/logging"
)

const (
	appName = "Memory Graph Server"
	version = "0.3.0"
)

func main() {
	logging.Preinit()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
