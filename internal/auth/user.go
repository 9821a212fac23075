package auth

import "time"

// User is a human or service account. PasswordHash holds the argon2id PHC
// string and is never serialized.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Roles        []string   `json:"roles"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// UserUpdate carries optional field changes applied by self or an admin.
type UserUpdate struct {
	Email    *string
	Password *string
	Active   *bool
	Roles    []string
}
