package model

import (
	"strings"
	"time"
)

// Owner is the user a task belongs to.
type Owner struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateOwnerRequest represents the request body for creating an owner.
type CreateOwnerRequest struct {
	Name string `json:"name"`
}

// Validate checks if the CreateOwnerRequest is valid.
func (r *CreateOwnerRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrNameRequired
	}
	return nil
}
