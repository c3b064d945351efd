package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sixmans/internal/domain"
)

type MatchRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewMatchRepository(sqlDB *sql.DB, logger zerolog.Logger) *MatchRepository {
	return &MatchRepository{db: sqlDB, logger: logger}
}

// Create persists a freshly formed match and removes the queue entries it
// consumed in the same transaction, so a crash cannot leave the six
// participants both queued and matched.
func (r *MatchRepository) Create(ctx context.Context, match *domain.Match, clearEntryIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO matches (id, queue, pool, status, winner_team, score, created_at)
		VALUES (?, ?, ?, ?, 0, '', ?)`,
		match.ID, match.Queue, match.Pool, match.Status, match.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert match %s: %w", match.ID, err)
	}

	for i, p := range match.Participants {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO match_participants (match_id, participant_id, display_name, position, team)
			VALUES (?, ?, ?, ?, ?)`,
			match.ID, p.ParticipantID, p.DisplayName, i, p.Team,
		)
		if err != nil {
			return fmt.Errorf("failed to insert match participant %s: %w", p.ParticipantID, err)
		}
	}

	for _, id := range clearEntryIDs {
		if err := deleteQueueEntry(ctx, tx, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveTeams writes the team assignment and the status it was assigned
// under (selecting or in_progress) as one transaction.
func (r *MatchRepository) SaveTeams(ctx context.Context, match *domain.Match) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `UPDATE matches SET status = ? WHERE id = ?`, match.Status, match.ID); err != nil {
		return fmt.Errorf("failed to update match %s status: %w", match.ID, err)
	}

	for _, p := range match.Participants {
		_, err = tx.ExecContext(ctx, `
			UPDATE match_participants SET team = ? WHERE match_id = ? AND participant_id = ?`,
			p.Team, match.ID, p.ParticipantID,
		)
		if err != nil {
			return fmt.Errorf("failed to update team for %s: %w", p.ParticipantID, err)
		}
	}

	return tx.Commit()
}

func (r *MatchRepository) UpdateStatus(ctx context.Context, matchID string, status domain.MatchStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE matches SET status = ? WHERE id = ?`, status, matchID)
	if err != nil {
		return fmt.Errorf("failed to update match %s status: %w", matchID, err)
	}
	return nil
}

// Complete commits the terminal state of a match: the match row, the six
// rating-change records, and the six updated participants persist together
// or not at all. The status guard makes a second completion attempt fail
// with ErrAlreadyReported even across processes.
func (r *MatchRepository) Complete(ctx context.Context, match *domain.Match, participants []*domain.Participant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE matches SET status = ?, winner_team = ?, score = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		domain.StatusCompleted, match.WinnerTeam, match.Score, match.CompletedAt,
		match.ID, domain.StatusCompleted, domain.StatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("failed to complete match %s: %w", match.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read completion result: %w", err)
	}
	if affected == 0 {
		return domain.ErrAlreadyReported
	}

	for i := range match.RatingChanges {
		if err := insertRatingChange(ctx, tx, &match.RatingChanges[i]); err != nil {
			return err
		}
	}

	for _, p := range participants {
		if err := upsertParticipant(ctx, tx, p); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get loads a match with its participants and, when completed, its rating
// changes. Returns sql.ErrNoRows when the id is unknown.
func (r *MatchRepository) Get(ctx context.Context, matchID string) (*domain.Match, error) {
	match, err := r.scanMatchRow(r.db.QueryRowContext(ctx, `
		SELECT id, queue, pool, status, winner_team, score, created_at, completed_at
		FROM matches WHERE id = ?`, matchID))
	if err != nil {
		return nil, err
	}

	if match.Participants, err = r.matchParticipants(ctx, matchID); err != nil {
		return nil, err
	}
	if match.RatingChanges, err = r.ratingChanges(ctx, matchID); err != nil {
		return nil, err
	}
	return match, nil
}

// ListActive returns every non-terminal match with its participants, oldest
// first. The reconciler mirrors these back into the registry.
func (r *MatchRepository) ListActive(ctx context.Context) ([]*domain.Match, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, queue, pool, status, winner_team, score, created_at, completed_at
		FROM matches WHERE status IN (?, ?, ?) ORDER BY created_at`,
		domain.StatusForming, domain.StatusSelecting, domain.StatusInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active matches: %w", err)
	}
	defer rows.Close()

	var matches []*domain.Match
	for rows.Next() {
		match, err := r.scanMatchRow(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, match := range matches {
		if match.Participants, err = r.matchParticipants(ctx, match.ID); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

func (r *MatchRepository) scanMatchRow(row rowScanner) (*domain.Match, error) {
	var m domain.Match
	var completedAt sql.NullTime
	err := row.Scan(&m.ID, &m.Queue, &m.Pool, &m.Status, &m.WinnerTeam, &m.Score, &m.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	return &m, nil
}

func (r *MatchRepository) matchParticipants(ctx context.Context, matchID string) ([]domain.MatchParticipant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT participant_id, display_name, team
		FROM match_participants WHERE match_id = ? ORDER BY position`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query match participants: %w", err)
	}
	defer rows.Close()

	var out []domain.MatchParticipant
	for rows.Next() {
		var p domain.MatchParticipant
		if err := rows.Scan(&p.ParticipantID, &p.DisplayName, &p.Team); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *MatchRepository) ratingChanges(ctx context.Context, matchID string) ([]domain.RatingChange, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, match_id, participant_id, pool, old_rating, new_rating, delta, is_win, streak_after, created_at
		FROM rating_changes WHERE match_id = ? ORDER BY created_at, id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rating changes: %w", err)
	}
	defer rows.Close()

	var out []domain.RatingChange
	for rows.Next() {
		var rc domain.RatingChange
		var createdAt time.Time
		err := rows.Scan(&rc.ID, &rc.MatchID, &rc.ParticipantID, &rc.Pool,
			&rc.OldRating, &rc.NewRating, &rc.Delta, &rc.IsWin, &rc.StreakAfter, &createdAt)
		if err != nil {
			return nil, err
		}
		rc.CreatedAt = createdAt
		out = append(out, rc)
	}
	return out, rows.Err()
}
