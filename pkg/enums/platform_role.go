package enums

import "slices"

// PlatformRole is the coarse role carried in access tokens. Client and artist
// are per-commission capabilities, not roles.
type PlatformRole string

const (
	PlatformRoleMember PlatformRole = "member"
	PlatformRoleAdmin  PlatformRole = "admin"
)

var validPlatformRoles = []PlatformRole{
	PlatformRoleMember,
	PlatformRoleAdmin,
}

// String implements fmt.Stringer.
func (r PlatformRole) String() string {
	return string(r)
}

// IsValid reports whether the value is a known PlatformRole.
func (r PlatformRole) IsValid() bool {
	return slices.Contains(validPlatformRoles, r)
}

// ParsePlatformRole converts raw input into a PlatformRole.
func ParsePlatformRole(value string) (PlatformRole, error) {
	return parse(validPlatformRoles, value, "platform role")
}
