package outbox

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/eventcore/pkg/db/models"
)

var errTxRequired = errors.New("transaction required")

// writeLockKey is the advisory lock serializing outbox writers on Postgres.
// Holding it from before the id is drawn until commit makes ids commit in
// order, so a reader's cursor never passes an id that is still in flight.
const writeLockKey int64 = 0x6576656e74636f72

// Repository reads and writes outbox rows and listener cursors. Every method
// runs on the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert appends event on tx. On Postgres it first takes the transaction
// scoped writer lock, so concurrent writers queue until the holder commits.
// Rows inserted without Insert bypass that ordering.
func (r *Repository) Insert(tx *gorm.DB, event *models.OutboxEvent) error {
	if tx == nil {
		return errTxRequired
	}
	if serializesWrites(tx) {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", writeLockKey).Error; err != nil {
			return fmt.Errorf("lock outbox writers: %w", err)
		}
	}
	return tx.Create(event).Error
}

// serializesWrites reports whether the dialect needs the writer lock. SQLite
// already admits one writer at a time.
func serializesWrites(tx *gorm.DB) bool {
	return tx.Config != nil && tx.Dialector != nil && tx.Dialector.Name() == "postgres"
}

// FetchAfter returns up to limit events with id > after, oldest first.
func (r *Repository) FetchAfter(tx *gorm.DB, after int64, limit int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errTxRequired
	}
	var rows []models.OutboxEvent
	err := tx.Where("id > ?", after).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// EnsureCursor inserts a zero cursor for listenerID unless one exists. A
// registered cursor holds back retention until the listener catches up.
func (r *Repository) EnsureCursor(tx *gorm.DB, listenerID string, now time.Time) error {
	if tx == nil {
		return errTxRequired
	}
	seed := models.ListenerCursor{ListenerID: listenerID, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return fmt.Errorf("seed cursor %s: %w", listenerID, err)
	}
	return nil
}

// LockCursor locks the cursor row for the rest of the transaction and returns
// the last committed event id. The row is created if Start never ran.
func (r *Repository) LockCursor(tx *gorm.DB, listenerID string) (int64, error) {
	if err := r.EnsureCursor(tx, listenerID, time.Now().UTC()); err != nil {
		return 0, err
	}
	var cursor models.ListenerCursor
	err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("listener_id = ?", listenerID).
		Take(&cursor).Error
	if err != nil {
		return 0, fmt.Errorf("lock cursor %s: %w", listenerID, err)
	}
	return cursor.LastEventID, nil
}

// AdvanceCursor moves the cursor forward. It never moves backwards.
func (r *Repository) AdvanceCursor(tx *gorm.DB, listenerID string, lastEventID int64, now time.Time) error {
	if tx == nil {
		return errTxRequired
	}
	return tx.Model(&models.ListenerCursor{}).
		Where("listener_id = ? AND last_event_id < ?", listenerID, lastEventID).
		Updates(map[string]any{
			"last_event_id": lastEventID,
			"updated_at":    now,
		}).Error
}

// Cursor reads a cursor without locking. Missing cursors read as zero.
func (r *Repository) Cursor(tx *gorm.DB, listenerID string) (int64, error) {
	if tx == nil {
		return 0, errTxRequired
	}
	var cursor models.ListenerCursor
	err := tx.Where("listener_id = ?", listenerID).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return cursor.LastEventID, err
}

// PruneConsumed deletes up to limit events created before cutoff that every
// known cursor has moved past. Without cursors nothing is considered consumed.
func (r *Repository) PruneConsumed(tx *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	if tx == nil {
		return 0, errTxRequired
	}
	var agg struct {
		MinID   *int64
		Cursors int64
	}
	if err := tx.Raw("SELECT MIN(last_event_id) AS min_id, COUNT(*) AS cursors FROM listener_cursors").Scan(&agg).Error; err != nil {
		return 0, fmt.Errorf("read cursor floor: %w", err)
	}
	if agg.Cursors == 0 || agg.MinID == nil || *agg.MinID == 0 {
		return 0, nil
	}
	res := tx.Exec(
		`DELETE FROM outbox_events WHERE id IN (
			SELECT id FROM outbox_events WHERE id <= ? AND created_at < ? ORDER BY id LIMIT ?
		)`,
		*agg.MinID, cutoff, limit,
	)
	return res.RowsAffected, res.Error
}
