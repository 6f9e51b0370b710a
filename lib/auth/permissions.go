package auth

// Action names used in casbin policy rules, one per Control API verb.
const (
	ActionList     = "list"
	ActionRead     = "read"
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionScale    = "scale"
	ActionTrigger  = "trigger"
	ActionDelegate = "delegate"
)

// Resource names, one per Control API object named in §6.
const (
	ObjectJob     = "job"
	ObjectPool    = "pool"
	ObjectCleanup = "cleanup"
	ObjectSystem  = "system"
)

// Permission pairs a resource with an action a role may perform on it.
type Permission struct {
	Resource string
	Action   string
}

// Built-in roles. RoleViewer can only read the current state of the control
// plane; RoleOperator can additionally act on it (scale pools, delegate
// jobs, trigger cleanup); RoleAdmin has every permission, the union of the
// viewer and operator sets.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// ViewerPermissions returns the read-only surface granted to every
// built-in role.
func ViewerPermissions() []Permission {
	return []Permission{
		{Resource: ObjectJob, Action: ActionList},
		{Resource: ObjectJob, Action: ActionRead},
		{Resource: ObjectPool, Action: ActionList},
		{Resource: ObjectPool, Action: ActionRead},
		{Resource: ObjectCleanup, Action: ActionList},
		{Resource: ObjectSystem, Action: ActionRead},
	}
}

// OperatorPermissions returns the write surface an Operator gets, on top
// of ViewerPermissions.
func OperatorPermissions() []Permission {
	return []Permission{
		{Resource: ObjectJob, Action: ActionDelegate},
		{Resource: ObjectPool, Action: ActionUpdate},
		{Resource: ObjectPool, Action: ActionScale},
		{Resource: ObjectCleanup, Action: ActionTrigger},
		{Resource: ObjectCleanup, Action: ActionUpdate},
	}
}

// AdminPermissions returns every permission that exists, granted in full
// to the Admin role.
func AdminPermissions() []Permission {
	all := append([]Permission{}, ViewerPermissions()...)
	all = append(all, OperatorPermissions()...)
	return all
}
