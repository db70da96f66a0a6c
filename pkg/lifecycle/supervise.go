package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/angelmondragon/eventcore/pkg/crash"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

const maxRestartInterval = 30 * time.Second

// RunSupervised runs fn until it returns cleanly or ctx ends. A failure the
// crash policy marks as recoverable restarts fn after a backoff delay; a fatal
// one is returned so the caller can exit non-zero.
func RunSupervised(ctx context.Context, logg *logger.Logger, source string, bo backoff.BackOff, fn func(context.Context) error) error {
	if logg == nil {
		logg = logger.Nop()
	}
	if bo == nil {
		exp := backoff.NewExponentialBackOff()
		exp.MaxInterval = maxRestartInterval
		bo = exp
	}

	for {
		v, failed := crash.Supervise(ctx, logg, source, fn)
		if !failed || ctx.Err() != nil {
			return nil
		}
		if v.IsFatal {
			return fmt.Errorf("%s: %s", source, v.Classification)
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("%s: restart budget exhausted after %s", source, v.Classification)
		}
		logg.Warn(logg.WithFields(ctx, map[string]any{"source": source, "restart_in": delay.String()}), "restarting after recoverable failure")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
