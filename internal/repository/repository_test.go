package repository

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"sixmans/internal/config"
	"sixmans/internal/database"
	"sixmans/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{DBPath: filepath.Join(t.TempDir(), "sixmans.db")}
	db, err := database.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testMatch builds a match with n participants whose ids are namespaced by
// the match id, so matches never collide on participant rows.
func testMatch(id, queue string, status domain.MatchStatus, createdAt time.Time) *domain.Match {
	m := &domain.Match{
		ID:        id,
		Queue:     queue,
		Pool:      domain.PoolRanked,
		Status:    status,
		CreatedAt: createdAt,
	}
	for i := 1; i <= domain.MatchSize; i++ {
		m.Participants = append(m.Participants, domain.MatchParticipant{
			ParticipantID: fmt.Sprintf("%s-p%d", id, i),
			DisplayName:   fmt.Sprintf("Player %d", i),
		})
	}
	return m
}
