// Package authority defines the static role-based permission model that
// gates every mutation of the shared operating picture. Grants are loaded
// once and never mutated at runtime, so checks need no locking.
package authority

// Role identifies one of the four coordination roles, plus the privileged
// system role used only for initial seeding.
type Role string

const (
	RoleObserve Role = "observe"
	RoleOrient  Role = "orient"
	RoleDecide  Role = "decide"
	RoleAct     Role = "act"
	RoleSystem  Role = "system"
)

// Roles returns the four worker roles in pipeline order.
func Roles() []Role {
	return []Role{RoleObserve, RoleOrient, RoleDecide, RoleAct}
}

// Valid reports whether the role is known to the grant table.
func (r Role) Valid() bool {
	switch r {
	case RoleObserve, RoleOrient, RoleDecide, RoleAct, RoleSystem:
		return true
	}
	return false
}

// Resource names an aggregate in the context store.
type Resource string

const (
	ResourceAsset       Resource = "asset"
	ResourceObservation Resource = "observation"
	ResourceEntity      Resource = "entity"
	ResourcePlan        Resource = "plan"
	ResourceTask        Resource = "task"
)

// Operation is the kind of access requested on a resource.
type Operation string

const (
	OperationRead  Operation = "read"
	OperationWrite Operation = "write"
)

// Grant ties a resource to a permitted operation.
type Grant struct {
	Resource  Resource
	Operation Operation
}

// grants is the static authority table. The write column matches the fixed
// role mapping: Observe appends observations, Orient owns tracked entities,
// Decide owns plans, Act owns tasks and asset assignment. System may write
// everything and is reserved for seeding.
var grants = map[Role][]Grant{
	RoleObserve: {
		{ResourceObservation, OperationRead},
		{ResourceObservation, OperationWrite},
	},
	RoleOrient: {
		{ResourceObservation, OperationRead},
		{ResourceEntity, OperationRead},
		{ResourceEntity, OperationWrite},
		{ResourceAsset, OperationRead},
	},
	RoleDecide: {
		{ResourceEntity, OperationRead},
		{ResourceAsset, OperationRead},
		{ResourcePlan, OperationRead},
		{ResourcePlan, OperationWrite},
	},
	RoleAct: {
		{ResourcePlan, OperationRead},
		{ResourceAsset, OperationRead},
		{ResourceAsset, OperationWrite},
		{ResourceTask, OperationRead},
		{ResourceTask, OperationWrite},
	},
	RoleSystem: {
		{ResourceAsset, OperationRead},
		{ResourceAsset, OperationWrite},
		{ResourceObservation, OperationRead},
		{ResourceObservation, OperationWrite},
		{ResourceEntity, OperationRead},
		{ResourceEntity, OperationWrite},
		{ResourcePlan, OperationRead},
		{ResourcePlan, OperationWrite},
		{ResourceTask, OperationRead},
		{ResourceTask, OperationWrite},
	},
}

// GrantsFor returns a copy of the grant set for a role. Unknown roles get
// an empty set.
func GrantsFor(role Role) []Grant {
	return append([]Grant(nil), grants[role]...)
}

// Decision captures the outcome of an authority check.
type Decision struct {
	Allowed bool
	Role    Role
	Grant   Grant
	Reason  string
}

// Guard evaluates access requests against the static grant table. The zero
// value is ready to use.
type Guard struct{}

// NewGuard returns a Guard over the built-in grant table.
func NewGuard() *Guard {
	return &Guard{}
}

// Check evaluates whether role may perform op on resource. It is a pure
// function with no side effects; the caller records the decision in the
// audit trail regardless of outcome.
func (g *Guard) Check(role Role, resource Resource, op Operation) Decision {
	d := Decision{Role: role, Grant: Grant{Resource: resource, Operation: op}}
	if !role.Valid() {
		d.Reason = "unknown role"
		return d
	}
	for _, grant := range grants[role] {
		if grant.Resource == resource && grant.Operation == op {
			d.Allowed = true
			return d
		}
	}
	d.Reason = "role '" + string(role) + "' lacks " + string(op) + " grant on " + string(resource)
	return d
}

// CanRead is a convenience wrapper over Check for read access.
func (g *Guard) CanRead(role Role, resource Resource) bool {
	return g.Check(role, resource, OperationRead).Allowed
}
