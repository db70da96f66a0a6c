package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/angelmondragon/eventcore/api/responses"
	"github.com/angelmondragon/eventcore/pkg/crash"
	pkgerrors "github.com/angelmondragon/eventcore/pkg/errors"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

// Recoverer turns a handler panic into a 500 envelope. The panic value is
// serialized with the same describer the supervisors use.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("panic: %v", rec)
					ctx := r.Context()
					if logg != nil {
						ctx = logg.WithFields(ctx, crash.WithStack(crash.Describe(rec), debug.Stack()))
						logg.Error(ctx, "panic.recovered", err)
					}
					responses.WriteError(ctx, nil, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "panic"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
