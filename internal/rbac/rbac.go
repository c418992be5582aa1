// Package rbac maps workspace roles to the actions they may take on a site.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionPublish Action = "publish"
	ActionManage  Action = "manage"
	ActionAdmin   Action = "admin"
)

// Roles are ordered; each one holds every grant of the roles below it.
var rank = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleOwner:  3,
	RoleAdmin:  4,
}

// minimum is the lowest role allowed to take an action.
var minimum = map[Action]Role{
	ActionRead:    RoleViewer,
	ActionEdit:    RoleEditor,
	ActionPublish: RoleOwner,
	ActionManage:  RoleOwner,
	ActionAdmin:   RoleAdmin,
}

func Can(role Role, action Action) bool {
	have, ok := rank[role]
	if !ok {
		return false
	}
	need, ok := minimum[action]
	if !ok {
		return false
	}
	return have >= rank[need]
}

// Cap lowers role to ceiling when it ranks above it.
func Cap(role, ceiling Role) Role {
	if rank[role] > rank[ceiling] {
		return ceiling
	}
	return role
}

// Normalize falls back to viewer for unknown or retired role names.
func Normalize(role string) Role {
	if _, ok := rank[Role(role)]; ok {
		return Role(role)
	}
	return RoleViewer
}
