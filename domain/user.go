package domain

import "time"

// User is a registered account. ID is the identity provider subject.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity is the verified result of an identity provider token check.
type Identity struct {
	UserID string
	Email  string
}
