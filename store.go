package accessctl

import (
	"context"
	"time"
)

// Sentinel group ids. Positive ids number real argument groups, per
// (role, action), assigned max+1 on insert.
const (
	// GroupNoArguments marks a grant of an action that takes no arguments.
	GroupNoArguments = 0
	// GroupOptional marks the optional-arguments wildcard grant; it is only
	// valid for actions flagged Optional and at most one may exist per
	// (role, action).
	GroupOptional = -1
)

// Wildcard matches any concrete value for a keyword, on either side of a
// lookup: a stored "*" grants every value, a requested "*" constrains nothing.
const Wildcard = "*"

// Role is an access-control role. Definition, when non-nil, grants implicit
// membership to any user context it accepts; explicit memberships are stored
// separately.
type Role struct {
	ID          int64
	Name        string
	Description string
	FireroleSrc string
	Definition  *Definition
}

// Action is a named operation with an ordered set of allowed keyword names.
// Optional actions may be granted without binding concrete argument values.
type Action struct {
	ID          int64
	Name        string
	Description string
	Keywords    []string
	Optional    bool
}

// HasKeyword reports whether kw is in the action's allowed-keyword set.
func (a *Action) HasKeyword(kw string) bool {
	for _, k := range a.Keywords {
		if k == kw {
			return true
		}
	}
	return false
}

// Argument is a deduplicated (keyword, value) pair.
type Argument struct {
	ID      int64
	Keyword string
	Value   string
}

// AuthorizationRow is one flat link-table row. Sentinel groups carry no
// argument (ArgumentID == 0).
type AuthorizationRow struct {
	RoleID     int64
	ActionID   int64
	ArgumentID int64
	Keyword    string
	Value      string
	GroupID    int
}

// Membership is an explicit user-role assignment. A zero Expires means the
// assignment never expires.
type Membership struct {
	UID     string
	RoleID  int64
	Expires time.Time
}

// Expired reports whether the membership has lapsed at the given instant.
func (m *Membership) Expired(now time.Time) bool {
	return !m.Expires.IsZero() && !m.Expires.After(now)
}

// RoleStore persists roles together with their FireRole source and compiled
// blob. LoadDefinition implementations must self-heal: a blob that fails to
// decode is recompiled from source and the repaired blob persisted.
type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	// DeleteRole cascades the role's authorization links and memberships.
	DeleteRole(ctx context.Context, roleID int64) error
	GetRole(ctx context.Context, roleID int64) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	LoadDefinition(ctx context.Context, roleID int64) (*Definition, error)
}

// ActionStore persists the action catalog.
type ActionStore interface {
	CreateAction(ctx context.Context, a *Action) error
	UpdateAction(ctx context.Context, a *Action) error
	// DeleteAction cascades the action's authorization links.
	DeleteAction(ctx context.Context, actionID int64) error
	GetAction(ctx context.Context, actionID int64) (*Action, error)
	GetActionByName(ctx context.Context, name string) (*Action, error)
	ListActions(ctx context.Context) ([]*Action, error)
}

// AuthorizationStore owns the role/action/argument link table and its group
// mutations. Every mutating call is atomic: a reader never observes a group
// half-deleted or half-inserted.
type AuthorizationStore interface {
	EnsureArgument(ctx context.Context, keyword, value string) (int64, error)
	// DeleteArgument removes an unreferenced argument; deleting one still
	// linked is a *ValidationError.
	DeleteArgument(ctx context.Context, argumentID int64) error

	// AddAuthorization grants (role, action, args) as one new argument group,
	// rejecting unknown keywords and duplicate groups. With optional set (and
	// the action flagged Optional) the sentinel optional grant is recorded
	// instead. Returns the assigned group id.
	AddAuthorization(ctx context.Context, roleID, actionID int64, args map[string]string, optional bool) (int, error)
	// DeleteAuthorizations removes every grant for the (role, action) pair.
	DeleteAuthorizations(ctx context.Context, roleID, actionID int64) error
	// RemoveFromGroup deletes the whole group and re-inserts, as new groups,
	// every combination it represented that does not use one of the removed
	// argument ids. Groups are replaced wholesale, never edited in place.
	RemoveFromGroup(ctx context.Context, roleID, actionID int64, groupID int, removeArgIDs []int64) error
	// SplitGroup expands one multi-valued group into single-valued groups,
	// one per tuple of its Cartesian product.
	SplitGroup(ctx context.Context, roleID, actionID int64, groupID int) error
	// MergeGroups recomputes a duplicate-free set of groups from the union of
	// the given groups' combinations.
	MergeGroups(ctx context.Context, roleID, actionID int64, groupIDs []int) error

	RoleActionAuthorizations(ctx context.Context, roleID, actionID int64) ([]AuthorizationRow, error)
	ActionAuthorizations(ctx context.Context, actionID int64) ([]AuthorizationRow, error)
}

// MembershipStore persists explicit user-role assignments with expiration.
type MembershipStore interface {
	AssignRole(ctx context.Context, uid string, roleID int64, expires time.Time) error
	RevokeRole(ctx context.Context, uid string, roleID int64) error
	// RolesOf returns the non-expired role ids of a user.
	RolesOf(ctx context.Context, uid string, now time.Time) ([]int64, error)
	ListMemberships(ctx context.Context, roleID int64) ([]Membership, error)
}

// Store is the full relational backend consumed by the Engine. Revision
// returns a cheap freshness token that changes whenever any authorization
// data changes; the invalidating caches key their snapshots on it.
type Store interface {
	RoleStore
	ActionStore
	AuthorizationStore
	MembershipStore
	Revision(ctx context.Context) (string, error)
	// Wipe removes all authorization data. Used by reset-to-defaults.
	Wipe(ctx context.Context) error
}
