package models

import (
	"fmt"
	"time"
)

// PermissionLevel is the ordered clearance assigned to a user.
// Levels compare as guest < user < admin < owner.
type PermissionLevel string

const (
	PermissionGuest PermissionLevel = "guest"
	PermissionUser  PermissionLevel = "user"
	PermissionAdmin PermissionLevel = "admin"
	PermissionOwner PermissionLevel = "owner"
)

var permissionRanks = map[PermissionLevel]int{
	PermissionGuest: 0,
	PermissionUser:  1,
	PermissionAdmin: 2,
	PermissionOwner: 3,
}

// Rank returns the numeric position of the level in the ordering.
// Unknown levels rank below guest.
func (p PermissionLevel) Rank() int {
	if r, ok := permissionRanks[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether the level is one of the four known values.
func (p PermissionLevel) Valid() bool {
	_, ok := permissionRanks[p]
	return ok
}

// AtLeast reports whether the level grants everything other grants.
func (p PermissionLevel) AtLeast(other PermissionLevel) bool {
	return p.Rank() >= other.Rank()
}

// ParsePermissionLevel converts a string into a PermissionLevel.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	p := PermissionLevel(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown permission level %q", s)
	}
	return p, nil
}

// User is an authenticated platform user.
type User struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name,omitempty"`
	Permission  PermissionLevel `json:"permission"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Persona is an optional profile attached to a conversation. It carries
// the system prompt and an optional allowlist restricting which modules
// the LLM sees. A nil AllowedModules means all modules are visible.
type Persona struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	SystemPrompt   string    `json:"system_prompt"`
	AllowedModules []string  `json:"allowed_modules,omitempty"`
	ShowSynthetic  bool      `json:"show_synthetic,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Allows reports whether the persona permits tools from the named module.
func (p *Persona) Allows(module string) bool {
	if p == nil || p.AllowedModules == nil {
		return true
	}
	for _, m := range p.AllowedModules {
		if m == module {
			return true
		}
	}
	return false
}
