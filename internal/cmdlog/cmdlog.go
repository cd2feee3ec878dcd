package cmdlog

import (
	"time"

	"birdbridge/internal/logging"
	"birdbridge/internal/metrics"
)

// Run executes one CLI subcommand, counting runs and failures per command
// and logging the outcome with its duration.
func Run(cmd string, f func() error) error {
	start := time.Now()
	metrics.IncCommandRun(cmd)
	err := f()
	fields := map[string]any{"cmd": cmd, "duration_ms": time.Since(start).Milliseconds()}
	if err != nil {
		metrics.IncCommandError(cmd)
		fields["error"] = err.Error()
		logging.Error(cmd+"_error", fields)
	} else {
		logging.Info(cmd+"_ok", fields)
	}
	return err
}
