package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mboyajeffers/etl-framework/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cli.NewRootCommand().ExecuteContext(ctx)
	code := exitCode(ctx, err)
	switch code {
	case 0:
		return
	case 130:
		slog.Warn("interrupted", "error", err)
	case 1:
		slog.Error("run finished with failures", "error", err)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	stop()
	os.Exit(code)
}

// exitCode maps the command result to the process status. Runs cut short by
// a signal also report ErrRunFailed, so cancellation is checked first.
func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case ctx.Err() != nil:
		return 130
	case errors.Is(err, cli.ErrRunFailed):
		return 1
	default:
		return 2
	}
}
