package domain

import "time"

// APIKeyRole distinguishes the master/admin key from issued user keys.
type APIKeyRole string

const (
	APIKeyRoleUser  APIKeyRole = "user"
	APIKeyRoleAdmin APIKeyRole = "admin"
)

// APIKey is a bearer credential accepted by the HTTP surface.
type APIKey struct {
	Key        string     `json:"key"`
	Name       string     `json:"name"`
	Role       APIKeyRole `json:"role"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
