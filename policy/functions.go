package policy

import "slices"

// Grants is the static role table. Roles not listed hold no permission.
var Grants = map[Role][]Permission{
	RoleAdmin: {
		ManagePosts,
		ManageComments,
		ManageUsers,
		ManageContent,
		ViewAnalytics,
	},
	RoleModerator: {
		ManagePosts,
		ManageComments,
		ManageContent,
	},
	RoleUser: {},
}

func AllPermissions() []Permission {
	return []Permission{ManagePosts, ManageComments, ManageUsers, ManageContent, ViewAnalytics}
}

// Granted reports whether role holds perm.
func Granted(role Role, perm Permission) bool {
	return slices.Contains(Grants[role], perm)
}

// PermissionsOf returns a copy of the permissions held by role.
func PermissionsOf(role Role) []Permission {
	return slices.Clone(Grants[role])
}

// PermissionStrings is PermissionsOf in the stored representation.
func PermissionStrings(role Role) []string {
	perms := Grants[role]
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, string(p))
	}
	return out
}
