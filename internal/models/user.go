package models

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleRequester  Role = "requester"
	RoleResponder  Role = "responder"
	RoleSupervisor Role = "supervisor"
)

// ParseRole accepts the canonical role names plus the legacy
// user/counselor/admin/leader aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "requester", "user":
		return RoleRequester, nil
	case "responder", "counselor":
		return RoleResponder, nil
	case "supervisor", "admin", "leader":
		return RoleSupervisor, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) Valid() bool {
	switch r {
	case RoleRequester, RoleResponder, RoleSupervisor:
		return true
	}
	return false
}

// CanRespond reports whether the role may be assigned cases.
func (r Role) CanRespond() bool {
	return r == RoleResponder || r == RoleSupervisor
}

// User is a chat participant keyed by the transport's user id.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Name returns the best human readable name for the user.
func (u *User) Name() string {
	if u == nil {
		return ""
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return fmt.Sprintf("user %d", u.ID)
}
