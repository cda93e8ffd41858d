package rbac

type Role string
type Action string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionList   Action = "list"
	ActionUpdate Action = "update"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return action == ActionList || action == ActionUpdate || action == ActionAdmin
	case RoleMember:
		return action == ActionList || action == ActionUpdate
	case RoleViewer:
		return action == ActionList
	default:
		return false
	}
}

// Normalize maps stored role strings onto known roles. Unknown values grant
// nothing.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}

// OwnedListAllowed decides the "organizations owned by X" query: only X may
// list them.
func OwnedListAllowed(subject, owner string) bool {
	return subject != "" && subject == owner
}
