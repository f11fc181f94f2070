// internal/database/review.go
package database

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/jason-s-yu/gamelobby/internal/models"
)

// SubmitReview stores a rating. A player has one review per game; a later
// submission replaces the earlier one.
func (s *Store) SubmitReview(ctx context.Context, r models.Review) error {
	q := `
	INSERT INTO reviews (game_name, user_id, rating, comment)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (game_name, user_id)
	DO UPDATE SET rating = EXCLUDED.rating, comment = EXCLUDED.comment, created_at = NOW()
	`
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, q, r.GameName, r.UserID, r.Rating, r.Comment)
		return err
	})
}

// ReviewSummary returns the average rating, the review count and the most
// recent reviews of a game.
func (s *Store) ReviewSummary(ctx context.Context, gameName string, recent int) (models.ReviewSummary, error) {
	var sum models.ReviewSummary

	aggQ := `SELECT COALESCE(AVG(rating), 0)::float8, COUNT(*) FROM reviews WHERE game_name = $1`
	recentQ := `
	SELECT r.game_name, r.user_id, u.username, r.rating, r.comment, r.created_at
	FROM reviews r
	JOIN users u ON u.id = r.user_id
	WHERE r.game_name = $1
	ORDER BY r.created_at DESC
	LIMIT $2
	`
	err := s.do(ctx, func(ctx context.Context) error {
		if err := s.pool.QueryRow(ctx, aggQ, gameName).Scan(&sum.Average, &sum.Count); err != nil {
			return err
		}
		rows, err := s.pool.Query(ctx, recentQ, gameName, recent)
		if err != nil {
			return err
		}
		reviews, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Review, error) {
			var r models.Review
			err := row.Scan(&r.GameName, &r.UserID, &r.Username, &r.Rating, &r.Comment, &r.CreatedAt)
			return r, err
		})
		if err != nil {
			return err
		}
		sum.Recent = reviews
		return nil
	})
	return sum, err
}
