package auth

import (
	"strings"
	"time"
)

// Role is the coarse capability carried in token claims.
type Role string

const (
	RoleApplicant  Role = "applicant"
	RoleZakatAdmin Role = "zakat_admin"
	RoleSuperAdmin Role = "super_admin"
)

// ParseRole normalises and validates a role value.
func ParseRole(raw string) (Role, bool) {
	switch r := Role(strings.TrimSpace(strings.ToLower(raw))); r {
	case RoleApplicant, RoleZakatAdmin, RoleSuperAdmin:
		return r, true
	default:
		return "", false
	}
}

// IsAdmin reports whether the role may review applications.
func (r Role) IsAdmin() bool { return r == RoleZakatAdmin || r == RoleSuperAdmin }

// User is the durable identity record and the source of truth for role and
// masjid scope.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Role        Role      `json:"role"`
	MasjidID    string    `json:"masjidId,omitempty"`
	IsActive    bool      `json:"isActive"`
	IsFlagged   bool      `json:"isFlagged"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// UserClaims mirrors role and masjid into the token claims cache. Version
// increases on every write so stale tokens can be recognised.
type UserClaims struct {
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	MasjidID  string    `json:"masjidId,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Identity is the authenticated caller as resolved from a token.
type Identity struct {
	UserID        string `json:"userId"`
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	Role          Role   `json:"role"`
	MasjidID      string `json:"masjidId,omitempty"`
	ClaimsVersion int64  `json:"claimsVersion,omitempty"`
}

// Authenticated reports whether the identity carries a user id.
func (i Identity) Authenticated() bool { return strings.TrimSpace(i.UserID) != "" }

func (i Identity) IsAdmin() bool      { return i.Role.IsAdmin() }
func (i Identity) IsSuperAdmin() bool { return i.Role == RoleSuperAdmin }

// DisplayName picks the most readable label for audit trails.
func (i Identity) DisplayName() string {
	switch {
	case i.Name != "":
		return i.Name
	case i.Email != "":
		return i.Email
	default:
		return i.UserID
	}
}
