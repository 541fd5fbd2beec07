// Package models - user.go defines the User model for platform accounts and the
// public representation returned by the auth endpoints.
package models

import "time"

// User represents a platform account
type User struct {
	ID             string
	Email          string
	Username       string
	HashedPassword string
	IsActive       bool
	IsSuperuser    bool // the first registered account is the platform admin
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserResponse is the JSON shape of a user; the password hash never leaves the server.
type UserResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	IsActive    bool      `json:"is_active"`
	IsSuperuser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToResponse converts the user to its public representation
func (u *User) ToResponse() UserResponse {
	return UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		Username:    u.Username,
		IsActive:    u.IsActive,
		IsSuperuser: u.IsSuperuser,
		CreatedAt:   u.CreatedAt,
	}
}
