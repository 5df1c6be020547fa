package policy

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// ParseRole maps a stored role string to a Role. Anything unrecognised,
// including the empty string, is the lowest-privilege role.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin:
		return RoleAdmin
	case RoleModerator:
		return RoleModerator
	default:
		return RoleUser
	}
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleUser:
		return true
	default:
		return false
	}
}

type Permission string

const (
	ManagePosts    Permission = "manage_posts"
	ManageComments Permission = "manage_comments"
	ManageUsers    Permission = "manage_users"
	ManageContent  Permission = "manage_content"
	ViewAnalytics  Permission = "view_analytics"
)

func ParsePermission(s string) (Permission, bool) {
	p := Permission(s)
	for _, known := range AllPermissions() {
		if p == known {
			return p, true
		}
	}
	return "", false
}
