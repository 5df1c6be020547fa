package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdminHoldsEveryPermission(t *testing.T) {
	for _, p := range AllPermissions() {
		assert.True(t, Granted(RoleAdmin, p), "admin should hold %s", p)
	}
}

func TestModeratorSubset(t *testing.T) {
	want := map[Permission]bool{
		ManagePosts:    true,
		ManageComments: true,
		ManageContent:  true,
		ManageUsers:    false,
		ViewAnalytics:  false,
	}
	for p, granted := range want {
		assert.Equal(t, granted, Granted(RoleModerator, p), "moderator %s", p)
	}
}

func TestUserHoldsNothing(t *testing.T) {
	for _, p := range AllPermissions() {
		assert.False(t, Granted(RoleUser, p))
	}
	assert.Empty(t, PermissionStrings(RoleUser))
}

func TestParseRoleFallsBackToUser(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole("admin"))
	assert.Equal(t, RoleModerator, ParseRole("moderator"))
	assert.Equal(t, RoleUser, ParseRole(""))
	assert.Equal(t, RoleUser, ParseRole("superuser"))
	assert.False(t, Role("superuser").Valid())
}

func TestPermissionsOfReturnsCopy(t *testing.T) {
	perms := PermissionsOf(RoleModerator)
	perms[0] = ViewAnalytics

	assert.False(t, Granted(RoleModerator, ViewAnalytics))
}

func TestParsePermission(t *testing.T) {
	p, ok := ParsePermission("manage_posts")
	assert.True(t, ok)
	assert.Equal(t, ManagePosts, p)

	_, ok = ParsePermission("launch_rockets")
	assert.False(t, ok)
}
