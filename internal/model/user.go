// internal/model/user.go
package model

import "time"

// User is an authenticated sender. Email doubles as the rate-limit identity.
type User struct {
	ID        int64     `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
