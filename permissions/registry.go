// Package permissions holds the shared access-control registry that modules
// populate at activation time and the rest of the platform consults for
// authorization decisions.
package permissions

import (
	"sort"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/patrickmn/go-cache"
)

// WildcardAll grants every permission when held by a role.
const WildcardAll = "*"

// RoleSuperAdmin bypasses permission checks entirely.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleUser       = "user"
	RoleAPIClient  = "api_client"
)

// ErrRoleNotFound is returned when mutating or reading a role that was never
// registered. Raised rather than silently no-oping so an operator cannot
// believe a grant succeeded against a nonexistent role.
var ErrRoleNotFound = errors.Sentinel("permissions: role not found")

// Role is a named set of permission strings.
type Role struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

// Permission describes a single registered permission string and the module
// that owns it. Permissions are never auto-removed when a module is disabled;
// historical grants stay meaningful.
type Permission struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Module      string `json:"module,omitempty"`
}

// User is the minimal view of a platform user the registry needs: their role
// and any directly granted permissions.
type User struct {
	Role        string
	Permissions []string
}

// PermissionHolder is implemented by anything that declares the permissions
// required to see or use it, e.g. navigation items contributed by modules.
type PermissionHolder interface {
	RequiredPermissions() []string
}

// Registry is the in-process shared store of roles and permissions. It is
// constructed once at boot, seeded with the default roles, and injected into
// every consumer. Registration happens at module activation; reads dominate
// afterwards, so resolved checks are cached and the cache is flushed on any
// mutation.
type Registry struct {
	mu          sync.RWMutex
	roles       map[string]*Role
	permissions map[string]*Permission

	checks *cache.Cache
}

// NewRegistry returns a registry seeded with the default platform roles.
func NewRegistry() *Registry {
	r := &Registry{
		roles:       make(map[string]*Role),
		permissions: make(map[string]*Permission),
		checks:      cache.New(time.Minute, 5*time.Minute),
	}
	r.seedDefaults()
	return r
}

func (r *Registry) seedDefaults() {
	r.roles[RoleSuperAdmin] = &Role{
		Name:        RoleSuperAdmin,
		Description: "Unrestricted access to every platform operation.",
		Permissions: []string{WildcardAll},
	}
	r.roles[RoleAdmin] = &Role{
		Name:        RoleAdmin,
		Description: "Platform administration without destructive system operations.",
		Permissions: []string{
			"users.*",
			"tenants.*",
			"modules.view",
			"modules.install",
			"modules.activate",
			"settings.*",
		},
	}
	r.roles[RoleUser] = &Role{
		Name:        RoleUser,
		Description: "Standard platform user.",
		Permissions: []string{
			"profile.view",
			"profile.update",
		},
	}
	r.roles[RoleAPIClient] = &Role{
		Name:        RoleAPIClient,
		Description: "External API client with minimal read access.",
		Permissions: []string{
			"api.read",
		},
	}
}

// RegisterPermission upserts a permission definition. Modules call this from
// their registration hooks; re-registering an existing name overwrites it
// (last registration wins).
func (r *Registry) RegisterPermission(name, description, module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.permissions[name]; ok && existing.Module != module {
		log.WithFields(log.Fields{
			"permission": name,
			"previous":   existing.Module,
			"module":     module,
		}).Warn("permission re-registered by a different module")
	}
	r.permissions[name] = &Permission{Name: name, Description: description, Module: module}
	r.checks.Flush()
}

// GetPermission returns a registered permission definition by name.
func (r *Registry) GetPermission(name string) (Permission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.permissions[name]
	if !ok {
		return Permission{}, false
	}
	return *p, true
}

// Permissions returns every registered permission, sorted by name.
func (r *Registry) Permissions() []Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Permission, 0, len(r.permissions))
	for _, p := range r.permissions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetRole returns a copy of the named role.
func (r *Registry) GetRole(name string) (Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	if !ok {
		return Role{}, errors.WithDetails(ErrRoleNotFound, "role", name)
	}
	out := *role
	out.Permissions = append([]string(nil), role.Permissions...)
	return out, nil
}

// AddPermissionsToRole unions the given permissions into the role's set.
func (r *Registry) AddPermissionsToRole(roleName string, perms ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[roleName]
	if !ok {
		return errors.WithDetails(ErrRoleNotFound, "role", roleName)
	}
	existing := make(map[string]struct{}, len(role.Permissions))
	for _, p := range role.Permissions {
		existing[p] = struct{}{}
	}
	for _, p := range perms {
		if _, ok := existing[p]; ok {
			continue
		}
		role.Permissions = append(role.Permissions, p)
		existing[p] = struct{}{}
	}
	r.checks.Flush()
	return nil
}

// RemovePermissionsFromRole filters the given permissions out of the role's
// set.
func (r *Registry) RemovePermissionsFromRole(roleName string, perms ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[roleName]
	if !ok {
		return errors.WithDetails(ErrRoleNotFound, "role", roleName)
	}
	drop := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		drop[p] = struct{}{}
	}
	kept := role.Permissions[:0]
	for _, p := range role.Permissions {
		if _, ok := drop[p]; !ok {
			kept = append(kept, p)
		}
	}
	role.Permissions = kept
	r.checks.Flush()
	return nil
}

// UserHasPermission reports whether the user may perform the given
// permission. Super admins pass unconditionally. Otherwise the user passes if
// the permission is in their direct list, or their role's set contains the
// exact string, the bare wildcard "*", or a prefix wildcard "X.*" where the
// permission starts with "X.".
func (r *Registry) UserHasPermission(u *User, permission string) bool {
	if u == nil {
		return false
	}
	if u.Role == RoleSuperAdmin {
		return true
	}
	for _, p := range u.Permissions {
		if p == permission {
			return true
		}
	}

	key := u.Role + "\x00" + permission
	if v, ok := r.checks.Get(key); ok {
		return v.(bool)
	}

	r.mu.RLock()
	role, ok := r.roles[u.Role]
	var granted bool
	if ok {
		granted = setGrants(role.Permissions, permission)
	}
	r.mu.RUnlock()

	r.checks.SetDefault(key, granted)
	return granted
}

// setGrants checks a role permission set against a concrete permission,
// honoring exact matches and wildcards. The prefix wildcard requires the
// separating dot: "users.*" matches "users.create" but "user.*" does not.
func setGrants(set []string, permission string) bool {
	for _, p := range set {
		if p == permission || p == WildcardAll {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(permission, prefix+".") {
			return true
		}
	}
	return false
}

// GetUserPermissions returns the de-duplicated union of the user's direct
// permissions and their role's permission set. Wildcards are returned as-is,
// not expanded.
func (r *Registry) GetUserPermissions(u *User) []string {
	if u == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range u.Permissions {
		add(p)
	}
	r.mu.RLock()
	if role, ok := r.roles[u.Role]; ok {
		for _, p := range role.Permissions {
			add(p)
		}
	}
	r.mu.RUnlock()
	return out
}

// FilterByPermission keeps an item if it declares no required permissions, or
// if the user holds at least one of them.
func FilterByPermission[T PermissionHolder](r *Registry, items []T, u *User) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		required := item.RequiredPermissions()
		if len(required) == 0 {
			out = append(out, item)
			continue
		}
		for _, p := range required {
			if r.UserHasPermission(u, p) {
				out = append(out, item)
				break
			}
		}
	}
	return out
}
