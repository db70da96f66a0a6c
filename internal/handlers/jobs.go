package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/eventcore/internal/jobs"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	"github.com/angelmondragon/eventcore/pkg/errors"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

// LogJob acknowledges a job by logging it. It stands in for queues whose
// consumer lives outside this service. Payloads that are not JSON objects are
// dead-lettered immediately.
func LogJob(logg *logger.Logger) jobs.Handler {
	if logg == nil {
		logg = logger.Nop()
	}
	return func(ctx context.Context, job models.Job) error {
		var body map[string]any
		if err := json.Unmarshal(job.Payload, &body); err != nil {
			return errors.Malformed(fmt.Errorf("decode %s payload: %w", job.QueueName, err), "job payload is not a JSON object")
		}
		logg.Info(logg.WithFields(ctx, map[string]any{
			"job_id":   job.ID.String(),
			"queue":    job.QueueName,
			"attempts": job.Attempts,
			"fields":   len(body),
		}), "job processed")
		return nil
	}
}

// RegisterJobHandlers registers LogJob for the default queues and every extra
// queue that has no handler yet.
func RegisterJobHandlers(reg *jobs.Registry, logg *logger.Logger, extra ...string) error {
	queues := append([]string{QueueSearchIndex, QueueNotifications}, extra...)
	for _, queue := range queues {
		if reg.Has(queue) {
			continue
		}
		if err := reg.Register(queue, LogJob(logg)); err != nil {
			return err
		}
	}
	return nil
}
