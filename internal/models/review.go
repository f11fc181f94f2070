package models

import (
	"time"

	"github.com/google/uuid"
)

// Review is a player's rating of a game.
type Review struct {
	GameName  string    `json:"game_name"`
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Rating    int       `json:"rating"` // 1..5
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// ReviewSummary aggregates reviews for the game info view.
type ReviewSummary struct {
	Average float64  `json:"avg_rating"`
	Count   int      `json:"review_count"`
	Recent  []Review `json:"reviews"`
}
