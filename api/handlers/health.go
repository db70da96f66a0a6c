package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/eventcore/api/responses"
	"github.com/angelmondragon/eventcore/pkg/config"
	pkgerrors "github.com/angelmondragon/eventcore/pkg/errors"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck pings one dependency of the process.
type ReadinessCheck struct {
	Name string
	Ping func(context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Eventcore-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live", "service": cfg.Service.Kind})
	}
}

// HealthReady reports ready only when every check passes. The first failing
// dependency is named in the error details.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Eventcore-Env", cfg.App.Env)
		for _, check := range checks {
			if check.Ping == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			err := check.Ping(ctx)
			cancel()
			if err != nil {
				if logg != nil {
					logg.WarnErr(logg.WithField(r.Context(), "dependency", check.Name), "health.not_ready", err)
				}
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.Wrap(pkgerrors.CodeTransient, err, "dependency not ready").
						WithDetails(map[string]string{"dependency": check.Name}))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
