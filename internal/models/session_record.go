// internal/models/session_record.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Game session outcomes.
const (
	OutcomeNormal     = "normal"
	OutcomeAbnormal   = "abnormal"
	OutcomeTerminated = "terminated"
	OutcomeAborted    = "aborted"
)

// SessionRecord is what the historian persists for every finished game
// session. It is pushed to a Redis list by the orchestrator.
type SessionRecord struct {
	RoomID      string    `json:"room_id"`
	Generation  uint64    `json:"generation"`
	GameName    string    `json:"game_name"`
	Version     string    `json:"version"`
	Port        int       `json:"port"`
	HostUserID  uuid.UUID `json:"host_user_id"`
	GuestUserID uuid.UUID `json:"guest_user_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Outcome     string    `json:"outcome"`
	ExitCode    int       `json:"exit_code"`
}
