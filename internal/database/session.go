// internal/database/session.go
package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jason-s-yu/gamelobby/internal/models"
)

// InsertSessions writes a batch of finished game sessions in one
// transaction. Replays of the same record are ignored.
func (s *Store) InsertSessions(ctx context.Context, recs []models.SessionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	q := `
	INSERT INTO game_sessions (
		room_id, generation, game_name, version, port,
		host_user_id, guest_user_id, started_at, ended_at, outcome, exit_code
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT DO NOTHING
	`
	return s.do(ctx, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, r := range recs {
				batch.Queue(q,
					r.RoomID, int64(r.Generation), r.GameName, r.Version, r.Port,
					nullUUID(r.HostUserID), nullUUID(r.GuestUserID),
					r.StartedAt, r.EndedAt, r.Outcome, r.ExitCode,
				)
			}
			return tx.SendBatch(ctx, batch).Close()
		})
	})
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
