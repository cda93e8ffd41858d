package store

import "time"

// Theme is a generated color set persisted against an organization. Values
// are opaque hex strings.
type Theme struct {
	PrimaryColor    string `json:"primary_color" validate:"required"`
	BackgroundColor string `json:"background_color" validate:"required"`
	AccentColor     string `json:"accent_color" validate:"required"`
}

type Organization struct {
	ID          string    `json:"id" validate:"required"`
	OwnerID     string    `json:"owner_id" validate:"required"`
	Name        string    `json:"name" validate:"required"`
	Description string    `json:"description"`
	Theme       *Theme    `json:"theme" validate:"omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasTheme reports whether a theme has already been persisted.
func (o Organization) HasTheme() bool {
	return o.Theme != nil
}

type Workspace struct {
	ID             string    `json:"id" validate:"required"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name" validate:"required"`
	CreatedAt      time.Time `json:"created_at"`
}

// PulseEntry is one line of an organization's activity log.
type PulseEntry struct {
	ID             string    `json:"id" validate:"required"`
	OrganizationID string    `json:"organization_id" validate:"required"`
	Kind           string    `json:"kind" validate:"required"`
	Message        string    `json:"message" validate:"required"`
	ActorID        string    `json:"actor_id"`
	CreatedAt      time.Time `json:"created_at" validate:"required"`
}

// Membership grants a user a role inside an organization. Owners are implied
// by Organization.OwnerID and need no row.
type Membership struct {
	OrganizationID string
	UserID         string
	Role           string
	CreatedAt      time.Time
}

const (
	PulseKindThemeGenerated = "theme.generated"
	PulseKindCreated        = "organization.created"
	PulseKindWorkspace      = "workspace.created"
)
