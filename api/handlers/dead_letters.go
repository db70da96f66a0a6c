package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/eventcore/api/responses"
	"github.com/angelmondragon/eventcore/api/validators"
	"github.com/angelmondragon/eventcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventcore/pkg/errors"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

// DeadLetterStore is the slice of jobs.Queue the admin routes need.
type DeadLetterStore interface {
	DeadLetters(ctx context.Context, limit int) ([]models.JobDeadLetter, error)
	Requeue(ctx context.Context, deadLetterID uuid.UUID) (uuid.UUID, error)
}

type deadLetterDTO struct {
	ID        uuid.UUID       `json:"id"`
	JobID     uuid.UUID       `json:"job_id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"last_error,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

func ListDeadLetters(store DeadLetterStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := store.DeadLetters(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]deadLetterDTO, 0, len(rows))
		for _, row := range rows {
			out = append(out, deadLetterDTO{
				ID:        row.ID,
				JobID:     row.JobID,
				Queue:     row.QueueName,
				Payload:   row.Payload,
				Reason:    string(row.Reason),
				Attempts:  row.Attempts,
				LastError: row.LastError,
				FailedAt:  row.FailedAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}

func RequeueDeadLetter(store DeadLetterStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid dead letter id"))
			return
		}
		jobID, err := store.Requeue(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithFields(r.Context(), map[string]any{"dead_letter_id": id, "job_id": jobID}), "dead_letter.requeued")
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
	}
}
