// Package main is the postrelay command: it streams posts matching a filter
// from the upstream streaming API into a NATS JetStream subject.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/nelsonaloysio/twython-kafka/relay"
)

// Build information, overridden with -ldflags at release time
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "postrelay"

// Process exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitFatal   = relay.ExitCodeFatal
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitFailure)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// execute runs the root command and maps its error to an exit code.
func execute(ctx context.Context, args []string) int {
	cmd := newRootCommand(runRelay)
	cmd.SetArgs(args)
	return exitCode(cmd.ExecuteContext(ctx))
}

// usageError marks bad flags or configuration.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var fatal *relay.FatalError
	var usage *usageError
	switch {
	case stderrors.As(err, &fatal):
		return fatal.ExitCode()
	case stderrors.As(err, &usage):
		return exitUsage
	default:
		return exitFailure
	}
}
