package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultActions become permission codenames for every registered type
// unless the caller supplies its own action list.
var DefaultActions = []string{"add", "change", "delete", "view"}

var (
	// ErrSealed indicates a registration attempt after startup completed.
	ErrSealed = errors.New("registry: sealed, registration only allowed during startup")
	// ErrUnknownType indicates a reference to a type that was never registered.
	ErrUnknownType = errors.New("registry: unknown type")
)

// RegisteredType describes a domain type participating in access control.
type RegisteredType struct {
	Name    string
	Parent  string // empty for root types
	Actions []string
}

// ChildPath names a descendant type together with the dotted parent-link
// chain leading from the descendant back up to the queried ancestor,
// e.g. "namespace.organization" for a collection import under an organization.
type ChildPath struct {
	Path string
	Type string
}

// TrackedRelation binds a membership-like relation on a type to a role
// name so relation changes can be replayed as assignment sync events.
type TrackedRelation struct {
	Type     string
	Relation string
	RoleName string
}

// Permission is a (codename, content type) pair.
type Permission struct {
	Codename    string
	ContentType string
}

// Registry is the process-wide catalog of types, their parent links and
// tracked relations. It is populated by domain modules at startup and
// sealed before serving traffic; all later access is read-only.
type Registry struct {
	mu      sync.RWMutex
	sealed  bool
	types   map[string]RegisteredType
	tracked []TrackedRelation
}

// New returns an empty, unsealed registry.
func New() *Registry {
	return &Registry{types: make(map[string]RegisteredType)}
}

// Register records a participating type. Registering the same type twice
// with an identical shape is a no-op; conflicting re-registration and
// registration after Seal are programmer errors surfaced to the caller so
// startup can abort.
func (r *Registry) Register(name, parent string, actions ...string) error {
	if name == "" {
		return errors.New("registry: type name required")
	}
	if len(actions) == 0 {
		actions = DefaultActions
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: %s", ErrSealed, name)
	}
	if existing, ok := r.types[name]; ok {
		if existing.Parent == parent && equalActions(existing.Actions, actions) {
			return nil
		}
		return fmt.Errorf("registry: type %s already registered with a different shape", name)
	}
	if parent != "" {
		if _, ok := r.types[parent]; !ok {
			return fmt.Errorf("%w: parent %s of %s (register parents first)", ErrUnknownType, parent, name)
		}
	}
	normalized := make([]string, len(actions))
	copy(normalized, actions)
	sort.Strings(normalized)
	r.types[name] = RegisteredType{Name: name, Parent: parent, Actions: normalized}
	return nil
}

// Track binds a relation on a type to a role name. Like Register it is
// only legal before Seal.
func (r *Registry) Track(typeName, relation, roleName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: track %s.%s", ErrSealed, typeName, relation)
	}
	if _, ok := r.types[typeName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	r.tracked = append(r.tracked, TrackedRelation{Type: typeName, Relation: relation, RoleName: roleName})
	return nil
}

// Seal freezes the registry. Idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get returns the registered type by name.
func (r *Registry) Get(name string) (RegisteredType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Parent returns the parent type name, or empty for roots and unknown types.
func (r *Registry) Parent(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[name].Parent
}

// Types returns every registered type sorted by name.
func (r *Registry) Types() []RegisteredType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typeList()
}

// Children returns the full descendant list of a type. The Path of each
// entry is the dotted chain of parent links from the descendant up to the
// queried type, usable for filtering descendant objects by ancestor.
func (r *Registry) Children(name string) []ChildPath {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.walkChildren(name, "")
}

func (r *Registry) walkChildren(parent, parentChain string) []ChildPath {
	var out []ChildPath
	for _, t := range r.typeList() {
		if t.Parent != parent {
			continue
		}
		chain := t.Parent
		if parentChain != "" {
			chain = t.Parent + "." + parentChain
		}
		out = append(out, ChildPath{Path: chain, Type: t.Name})
		out = append(out, r.walkChildren(t.Name, chain)...)
	}
	return out
}

// Permissions returns the permission set of one type.
func (r *Registry) Permissions(name string) ([]Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	perms := make([]Permission, 0, len(t.Actions))
	for _, action := range t.Actions {
		perms = append(perms, Permission{Codename: Codename(action, name), ContentType: name})
	}
	return perms, nil
}

// AllPermissions returns the permission sets of every registered type.
func (r *Registry) AllPermissions() []Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var perms []Permission
	for _, t := range r.typeList() {
		for _, action := range t.Actions {
			perms = append(perms, Permission{Codename: Codename(action, t.Name), ContentType: t.Name})
		}
	}
	return perms
}

// TrackedRelations returns the tracked relation bindings.
func (r *Registry) TrackedRelations() []TrackedRelation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TrackedRelation, len(r.tracked))
	copy(out, r.tracked)
	return out
}

func (r *Registry) typeList() []RegisteredType {
	out := make([]RegisteredType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Codename builds the canonical permission codename for an action on a type.
func Codename(action, typeName string) string {
	return action + "_" + typeName
}

// ActionOf extracts the action prefix of a codename ("change_inventory" -> "change").
func ActionOf(codename string) string {
	if i := strings.Index(codename, "_"); i > 0 {
		return codename[:i]
	}
	return codename
}

func equalActions(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
