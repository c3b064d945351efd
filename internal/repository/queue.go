package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"sixmans/internal/domain"
)

type QueueEntryRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewQueueEntryRepository(sqlDB *sql.DB, logger zerolog.Logger) *QueueEntryRepository {
	return &QueueEntryRepository{db: sqlDB, logger: logger}
}

// Insert persists a queue entry. The participant_id primary key rejects a
// second entry for the same participant, whichever queue it targets.
func (r *QueueEntryRepository) Insert(ctx context.Context, e *domain.QueueEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queue_entries (participant_id, display_name, queue, joined_at)
		VALUES (?, ?, ?, ?)`,
		e.ParticipantID, e.DisplayName, e.Queue, e.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry for %s: %w", e.ParticipantID, err)
	}
	return nil
}

func (r *QueueEntryRepository) Delete(ctx context.Context, participantID string) error {
	return deleteQueueEntry(ctx, r.db, participantID)
}

// List returns every stored queue entry in join order, across all queues.
// The reconciler mirrors these back into memory after a restart.
func (r *QueueEntryRepository) List(ctx context.Context) ([]domain.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT participant_id, display_name, queue, joined_at
		FROM queue_entries ORDER BY joined_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entries: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueEntry
	for rows.Next() {
		var e domain.QueueEntry
		if err := rows.Scan(&e.ParticipantID, &e.DisplayName, &e.Queue, &e.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func deleteQueueEntry(ctx context.Context, ex execer, participantID string) error {
	_, err := ex.ExecContext(ctx, `DELETE FROM queue_entries WHERE participant_id = ?`, participantID)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry for %s: %w", participantID, err)
	}
	return nil
}
