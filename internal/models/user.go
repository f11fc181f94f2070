package models

import "github.com/google/uuid"

// User is an account identity. Password only travels inward on
// registration; the lobby never keeps it after the account is stored.
type User struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Password string    `json:"password,omitempty"`
}
