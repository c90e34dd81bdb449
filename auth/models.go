package auth

import "time"

type Role string

const (
	RoleTrader  Role = "trader"
	RoleArbiter Role = "arbiter"
)

// Participant is the domain representation of an authenticated account.
// It mirrors the participants table and should not include JSON annotations
// so it can be reused by different presentation layers.
type Participant struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
