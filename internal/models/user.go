package models

import "time"

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProviderToken describes a stored provider key without revealing it.
type ProviderToken struct {
	Provider  string    `json:"provider"`
	Hint      string    `json:"hint"`
	CreatedAt time.Time `json:"created_at"`
}
