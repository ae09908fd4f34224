package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackrox/berserker/internal/workload"
)

// newStubCmd is the short-lived child the process workload spawns. It lives
// for the given number of milliseconds and exits 0, or earlier on SIGTERM.
func newStubCmd() *cobra.Command {
	return &cobra.Command{
		Use:    workload.StubCommand + " <random-arg> [lifetime-ms]",
		Short:  "Helper process spawned by the process workload",
		Hidden: true,
		Args:   cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lifetime time.Duration
			if len(args) == 2 {
				ms, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil || ms < 0 {
					return fmt.Errorf("invalid lifetime %q: expected milliseconds", args[1])
				}
				lifetime = time.Duration(ms) * time.Millisecond
			}
			return linger(cmd.Context(), lifetime)
		},
	}
}

func linger(ctx context.Context, lifetime time.Duration) error {
	if lifetime <= 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	timer := time.NewTimer(lifetime)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}
