package models

import (
	"strings"
	"time"
)

// Role identifies the platform role of a user.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleSpringer   Role = "springer"
	RoleAdmin      Role = "admin"
)

// ParseRole normalises a raw role string. Unknown values are preserved so that
// permission checks can reject them.
func ParseRole(raw string) Role {
	return Role(strings.ToLower(strings.TrimSpace(raw)))
}

// Known reports whether the role is one of the platform roles.
func (r Role) Known() bool {
	switch r {
	case RoleStudent, RoleInstructor, RoleSpringer, RoleAdmin:
		return true
	}
	return false
}

// User is the account record chat participants are resolved from.
type User struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Email     string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	FirstName string    `gorm:"size:128" json:"first_name"`
	LastName  string    `gorm:"size:128" json:"last_name"`
	Role      Role      `gorm:"size:32;index;not null" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullName joins first and last name, falling back to the email address.
func (u User) FullName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Email
	}
	return name
}
