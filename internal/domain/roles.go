// Package domain defines shared diary domain types, constants and repositories.
package domain

const (
	// RoleOwner represents the bot owner with the highest privileges.
	RoleOwner = "owner"
	// RoleAdmin represents elevated administrators below the owner.
	RoleAdmin = "admin"
	// RoleUser represents a standard diary user with no elevated privileges.
	RoleUser = "user"
)

// Role priorities used when comparing privileges. Higher wins.
const (
	RolePriorityUser  = 1
	RolePriorityAdmin = 2
	RolePriorityOwner = 3
)

// RolePriority returns the priority for a role, or 0 for unknown roles.
func RolePriority(role string) int {
	switch role {
	case RoleOwner:
		return RolePriorityOwner
	case RoleAdmin:
		return RolePriorityAdmin
	case RoleUser:
		return RolePriorityUser
	default:
		return 0
	}
}
