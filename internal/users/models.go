package users

import "time"

// User is a marketplace account. PasswordHash never leaves this package's callers
// in responses; use Principal for that.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	Name         string    `json:"name" db:"name"`
	Role         string    `json:"role" db:"role"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Principal is the identity exposed to clients and to downstream consumers.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func (u User) Principal() Principal {
	return Principal{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}
