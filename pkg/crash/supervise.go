package crash

import (
	"context"
	stdErrors "errors"
	"runtime/debug"

	"github.com/angelmondragon/eventcore/pkg/logger"
)

// Supervise runs fn and classifies a panic or a returned error. failed is
// false when fn returned nil or only observed context cancellation.
func Supervise(ctx context.Context, logg *logger.Logger, source string, fn func(context.Context) error) (v Verdict, failed bool) {
	if logg == nil {
		logg = logger.Nop()
	}
	defer func() {
		if r := recover(); r != nil {
			v = Classify(source, r)
			failed = true
			Report(ctx, logg, v, WithStack(Describe(r), debug.Stack()))
		}
	}()

	err := fn(ctx)
	if err == nil || stdErrors.Is(err, context.Canceled) {
		return Verdict{}, false
	}
	v = Classify(source, err)
	Report(ctx, logg, v, Describe(err))
	return v, true
}

// Report logs a verdict at the level its classification warrants.
func Report(ctx context.Context, logg *logger.Logger, v Verdict, fields map[string]any) {
	logCtx := logg.WithFields(ctx, fields)
	logCtx = logg.WithField(logCtx, "classification", v.Classification)
	if v.IsFatal {
		logg.Error(logCtx, v.LogMessage, nil)
		return
	}
	logg.Warn(logCtx, v.LogMessage)
}
