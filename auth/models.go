package auth

import "time"

type Role string

const (
	RoleMerchant Role = "merchant"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

// Account mirrors the accounts table. It carries no JSON annotations so it
// can be reused by different presentation layers.
type Account struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal is the identity carried by a verified token.
type Principal struct {
	UserID string
	Role   Role
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required"`
	FullName string `json:"full_name" validate:"required,max=100"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
