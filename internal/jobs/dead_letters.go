package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventcore/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventcore/pkg/errors"
)

// DeadLetters lists dead-lettered jobs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]models.JobDeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.JobDeadLetter
	err := q.db.DB().WithContext(ctx).
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Requeue moves a dead letter back onto its queue as a fresh job and removes
// the dead-letter row in the same transaction.
func (q *Queue) Requeue(ctx context.Context, deadLetterID uuid.UUID) (uuid.UUID, error) {
	var jobID uuid.UUID
	err := q.db.WithTx(ctx, func(tx *gorm.DB) error {
		var entry models.JobDeadLetter
		if err := tx.Where("id = ?", deadLetterID).Take(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("dead letter %s not found", deadLetterID))
			}
			return err
		}
		id, err := q.Enqueue(ctx, tx, entry.QueueName, entry.Payload)
		if err != nil {
			return err
		}
		if err := tx.Delete(&models.JobDeadLetter{}, "id = ?", entry.ID).Error; err != nil {
			return fmt.Errorf("delete dead letter %s: %w", entry.ID, err)
		}
		jobID = id
		return nil
	})
	return jobID, err
}
