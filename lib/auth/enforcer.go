package auth

import (
	"embed"
	"fmt"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/runnerhub/runnerhub/lib/log"
)

//go:embed model.conf
var modelFS embed.FS

// Enforcer wraps a casbin RBAC enforcer with RunnerHub's three built-in
// roles. Unlike the teacher, which lets operators create/delete roles at
// runtime through its own API, the Control API here exposes no role
// management surface, so the policy is seeded once at startup from
// AdminPermissions/OperatorPermissions/ViewerPermissions and never
// changes for the life of the process.
type Enforcer struct {
	mu       sync.RWMutex
	enforcer *casbin.Enforcer
}

// NewEnforcer builds an Enforcer with the embedded RBAC model and seeds
// the three built-in roles' permissions.
func NewEnforcer() (*Enforcer, error) {
	modelText, err := modelFS.ReadFile("model.conf")
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read model file: %w", err)
	}
	m, err := model.NewModelFromString(string(modelText))
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create model: %w", err)
	}

	e, err := casbin.NewEnforcer(m, newMemoryAdapter())
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create enforcer: %w", err)
	}

	enf := &Enforcer{enforcer: e}
	if err := enf.seed(); err != nil {
		return nil, err
	}
	return enf, nil
}

func (e *Enforcer) seed() error {
	for _, p := range ViewerPermissions() {
		if err := e.AddPolicy(RoleViewer, p.Resource, p.Action); err != nil {
			return err
		}
	}
	for _, p := range append(ViewerPermissions(), OperatorPermissions()...) {
		if err := e.AddPolicy(RoleOperator, p.Resource, p.Action); err != nil {
			return err
		}
	}
	for _, p := range AdminPermissions() {
		if err := e.AddPolicy(RoleAdmin, p.Resource, p.Action); err != nil {
			return err
		}
	}
	return nil
}

// CheckPermission reports whether any of roles grants act on obj.
func (e *Enforcer) CheckPermission(roles []string, obj, act string) bool {
	logger := log.WithFunc("auth", "CheckPermission").With("roles", roles, "obj", obj, "act", act)
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, role := range roles {
		allowed, err := e.enforcer.Enforce(role, obj, act)
		if err != nil {
			logger.Error("enforcer blocked request, policy check failed", "err", err)
			return false
		}
		if allowed {
			return true
		}
	}
	logger.Debug("enforcer denied request")
	return false
}

// AddPolicy adds a policy rule granting sub permission act on obj.
func (e *Enforcer) AddPolicy(sub, obj, act string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.enforcer.AddPolicy(sub, obj, act); err != nil {
		return fmt.Errorf("auth: failed to add policy: %w", err)
	}
	return nil
}

// AddRoleForUser grants user every permission role has.
func (e *Enforcer) AddRoleForUser(user, role string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.enforcer.AddGroupingPolicy(user, role); err != nil {
		return fmt.Errorf("auth: failed to add role for user: %w", err)
	}
	return nil
}

// GetRolesForUser returns the roles assigned to user.
func (e *Enforcer) GetRolesForUser(user string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enforcer.GetRolesForUser(user)
}
