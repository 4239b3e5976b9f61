package orgs

import (
	"errors"
	"time"
)

var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrApplicationNotFound  = errors.New("application not found")
	// ErrNameTaken is returned when an organization name, or an application
	// name within its organization, is already used
	ErrNameTaken   = errors.New("name already taken")
	ErrInvalidName = errors.New("name must not be empty")
)

// Organization is a tenant owning applications and grants
type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Application groups devices inside an organization
type Application struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
