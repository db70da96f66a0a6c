package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/eventcore/api/responses"
	"github.com/angelmondragon/eventcore/api/validators"
	"github.com/angelmondragon/eventcore/internal/cron"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventcore/pkg/errors"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

// ScheduleStore is the slice of cron.ScheduleManager the admin routes need.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]models.CronSchedule, error)
	EnsureSchedule(ctx context.Context, spec cron.ScheduleSpec) (models.CronSchedule, error)
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
}

type scheduleRequest struct {
	Name            string          `json:"name" validate:"required,max=200"`
	Queue           string          `json:"queue" validate:"required,max=200"`
	IntervalSeconds int             `json:"interval_seconds" validate:"required,gte=1"`
	Payload         json.RawMessage `json:"payload"`
}

type scheduleDTO struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	Queue            string          `json:"queue"`
	IntervalSeconds  int             `json:"interval_seconds"`
	Payload          json.RawMessage `json:"payload"`
	NextTickNeededAt time.Time       `json:"next_tick_needed_at"`
}

func toScheduleDTO(s models.CronSchedule) scheduleDTO {
	return scheduleDTO{
		ID:               s.ID,
		Name:             s.Name,
		Queue:            s.QueueName,
		IntervalSeconds:  s.IntervalSeconds,
		Payload:          s.Payload,
		NextTickNeededAt: s.NextTickNeededAt,
	}
}

func ListSchedules(store ScheduleStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := store.ListSchedules(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]scheduleDTO, 0, len(rows))
		for _, row := range rows {
			out = append(out, toScheduleDTO(row))
		}
		responses.WriteSuccess(w, out)
	}
}

// PutSchedule creates or updates a schedule by name.
func PutSchedule(store ScheduleStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		schedule, err := store.EnsureSchedule(r.Context(), cron.ScheduleSpec{
			Name:     validators.SanitizeString(req.Name, 200),
			Queue:    validators.SanitizeString(req.Queue, 200),
			Payload:  req.Payload,
			Interval: time.Duration(req.IntervalSeconds) * time.Second,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, scheduleError(err))
			return
		}
		responses.WriteSuccess(w, toScheduleDTO(schedule))
	}
}

func DeleteSchedule(store ScheduleStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid schedule id"))
			return
		}
		if err := store.DeleteSchedule(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, scheduleError(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func scheduleError(err error) error {
	switch {
	case errors.Is(err, cron.ErrInvalidSchedule):
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
	case errors.Is(err, cron.ErrScheduleNotFound):
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "schedule not found")
	}
	return err
}
