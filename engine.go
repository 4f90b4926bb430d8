package accessctl

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/archivio/accessctl/logger"
)

// SuperRoleName is the reserved role that bypasses every explicit
// authorization check. It can never be deleted.
const SuperRoleName = "superadmin"

// Reason classifies a decision so every denial path stays observable.
type Reason string

const (
	ReasonSuperRole       Reason = "super role"
	ReasonRoleGrant       Reason = "role grant"
	ReasonUnknownAction   Reason = "unknown action"
	ReasonMissingKeyword  Reason = "missing mandatory keyword"
	ReasonNoAuthorization Reason = "no role grants this combination"
	ReasonNoMatchingRole  Reason = "user matches no authorizing role"
	ReasonInternalDenied  Reason = "internal error, denied"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Granted   bool
	Reason    Reason
	RoleID    int64 // role that granted access, when one did
	TraceID   string
	Timestamp time.Time
}

// roleView is the materialized snapshot the engine's role cache holds:
// every role with its compiled definition, addressable by id and name.
type roleView struct {
	byID   map[int64]*Role
	byName map[string]*Role
	defs   map[int64]*Definition
}

// Engine is the single entry point surrounding code calls for authorization
// decisions. It composes FireRole evaluation (implicit membership) with the
// relational grant model (explicit role grants), with a reserved super-role
// override. Decisions are pure per-call computations; the invalidating
// caches and a TTL decision cache keep them cheap under load.
type Engine struct {
	store       Store
	memberships MembershipStore
	superRole   string
	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc

	roles   *Cache[*roleView]
	actions *Cache[map[string]*Action]

	decisions            *ristretto.Cache
	decisionTTL          time.Duration
	ristrettoNumCounters int64
	ristrettoMaxCost     int64
	ristrettoBuffer      int64
}

// EngineOption customizes an Engine at construction time.
type EngineOption func(e *Engine) error

// WithLogger installs a Logger on the Engine.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithTraceIDFunc installs a correlation-id generator stamped on decisions.
func WithTraceIDFunc(f logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		e.traceIDFunc = f
		return nil
	}
}

// WithSuperRole overrides the reserved super-role name.
func WithSuperRole(name string) EngineOption {
	return func(e *Engine) error {
		if name == "" {
			return validationErr("engine option", "super role name must not be empty")
		}
		e.superRole = name
		return nil
	}
}

// WithMembershipStore overrides where explicit memberships are read from
// (e.g. the Redis-backed store) while the relational store keeps everything
// else.
func WithMembershipStore(ms MembershipStore) EngineOption {
	return func(e *Engine) error {
		e.memberships = ms
		return nil
	}
}

// WithDecisionCacheTTL tunes how long decisions may be served from cache.
// Zero disables the decision cache.
func WithDecisionCacheTTL(d time.Duration) EngineOption {
	return func(e *Engine) error {
		e.decisionTTL = d
		return nil
	}
}

// NewEngine builds an Engine over a Store.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		store:                store,
		memberships:          store,
		superRole:            SuperRoleName,
		logger:               logger.NewNullLogger(),
		decisionTTL:          time.Second,
		ristrettoNumCounters: 1 << 16,
		ristrettoMaxCost:     1 << 22,
		ristrettoBuffer:      64,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	e.roles = NewCache(e.rebuildRoles, store.Revision)
	e.actions = NewCache(e.rebuildActions, store.Revision)

	if e.decisionTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: e.ristrettoNumCounters,
			MaxCost:     e.ristrettoMaxCost,
			BufferItems: e.ristrettoBuffer,
		})
		if err != nil {
			return nil, err
		}
		e.decisions = cache
	}
	return e, nil
}

func (e *Engine) rebuildRoles(ctx context.Context) (*roleView, error) {
	roles, err := e.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	view := &roleView{
		byID:   make(map[int64]*Role, len(roles)),
		byName: make(map[string]*Role, len(roles)),
		defs:   make(map[int64]*Definition, len(roles)),
	}
	for _, r := range roles {
		view.byID[r.ID] = r
		view.byName[r.Name] = r
		def, err := e.store.LoadDefinition(ctx, r.ID)
		if err != nil {
			// store already fell back to deny-all; keep the role usable
			e.logger.Error("role definition unusable", "role", r.Name, "err", err.Error())
		}
		if def == nil {
			def = MustCompile(DenyAllSrc)
		}
		view.defs[r.ID] = def
	}
	return view, nil
}

func (e *Engine) rebuildActions(ctx context.Context) (map[string]*Action, error) {
	actions, err := e.store.ListActions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Action, len(actions))
	for _, a := range actions {
		out[a.Name] = a
	}
	return out, nil
}

// invalidate drops every materialized view after an administrative mutation.
func (e *Engine) invalidate() {
	e.roles.Invalidate()
	e.actions.Invalidate()
	if e.decisions != nil {
		e.decisions.Clear()
	}
}

// RolesForUser returns the ids of every role the user is in, explicitly via
// a non-expired membership or implicitly via a FireRole definition accepting
// the user's attribute context.
func (e *Engine) RolesForUser(ctx context.Context, user *UserContext) ([]int64, error) {
	view, err := e.roles.Get(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]struct{})
	if user != nil && user.UID != "" {
		explicit, err := e.memberships.RolesOf(ctx, user.UID, time.Now())
		if err != nil {
			return nil, err
		}
		for _, id := range explicit {
			if _, ok := view.byID[id]; ok {
				ids[id] = struct{}{}
			}
		}
	}
	for id, def := range view.defs {
		if _, ok := ids[id]; ok {
			continue
		}
		if def.Allows(user) {
			ids[id] = struct{}{}
		}
	}
	out := make([]int64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// IsUserInRole reports explicit or implicit membership in one role.
func (e *Engine) IsUserInRole(ctx context.Context, user *UserContext, roleID int64) (bool, error) {
	view, err := e.roles.Get(ctx)
	if err != nil {
		return false, err
	}
	def, ok := view.defs[roleID]
	if !ok {
		return false, nil
	}
	if def.Allows(user) {
		return true, nil
	}
	if user == nil || user.UID == "" {
		return false, nil
	}
	explicit, err := e.memberships.RolesOf(ctx, user.UID, time.Now())
	if err != nil {
		return false, err
	}
	for _, id := range explicit {
		if id == roleID {
			return true, nil
		}
	}
	return false, nil
}

// Authorize decides whether the user may perform the named action with the
// given keyword arguments. It always resolves to a Decision: internal
// failures deny (fail closed) with a distinguishable reason rather than
// propagate.
func (e *Engine) Authorize(ctx context.Context, user *UserContext, actionName string, kwargs map[string]string) Decision {
	dec := Decision{Timestamp: time.Now()}
	if e.traceIDFunc != nil {
		dec.TraceID = e.traceIDFunc()
	}

	key := decisionKey(user, actionName, kwargs)
	if e.decisions != nil {
		if cached, ok := e.decisions.Get(key); ok {
			return cached.(Decision)
		}
	}

	dec = e.decide(ctx, user, actionName, kwargs, dec)
	if e.decisions != nil {
		e.decisions.SetWithTTL(key, dec, 1, e.decisionTTL)
	}
	e.logger.Debug("authorize",
		"action", actionName,
		"uid", uidOf(user),
		"granted", dec.Granted,
		"reason", string(dec.Reason),
		"trace_id", dec.TraceID,
	)
	return dec
}

func (e *Engine) decide(ctx context.Context, user *UserContext, actionName string, kwargs map[string]string, dec Decision) Decision {
	view, err := e.roles.Get(ctx)
	if err != nil {
		e.logger.Error("role view unavailable", "err", err.Error())
		dec.Reason = ReasonInternalDenied
		return dec
	}
	userRoles, err := e.userRoleSet(ctx, user, view)
	if err != nil {
		e.logger.Error("membership lookup failed", "uid", uidOf(user), "err", err.Error())
		dec.Reason = ReasonInternalDenied
		return dec
	}

	if super, ok := view.byName[e.superRole]; ok {
		if _, in := userRoles[super.ID]; in {
			dec.Granted = true
			dec.Reason = ReasonSuperRole
			dec.RoleID = super.ID
			return dec
		}
	}

	actions, err := e.actions.Get(ctx)
	if err != nil {
		e.logger.Error("action view unavailable", "err", err.Error())
		dec.Reason = ReasonInternalDenied
		return dec
	}
	action, ok := actions[actionName]
	if !ok {
		dec.Reason = ReasonUnknownAction
		return dec
	}

	// keywords outside the action's allowed set never constrain a lookup
	filtered := make(map[string]string, len(kwargs))
	for kw, v := range kwargs {
		if action.HasKeyword(kw) {
			filtered[kw] = v
		}
	}
	missing := false
	for _, kw := range action.Keywords {
		if _, ok := filtered[kw]; !ok {
			missing = true
			break
		}
	}
	if missing && !action.Optional {
		dec.Reason = ReasonMissingKeyword
		return dec
	}

	rows, err := e.store.ActionAuthorizations(ctx, action.ID)
	if err != nil {
		e.logger.Error("authorization lookup failed", "action", actionName, "err", err.Error())
		dec.Reason = ReasonInternalDenied
		return dec
	}
	rows = pruneOrphans(rows, view, e.logger)

	var candidates map[int64]struct{}
	if missing {
		candidates = rolesWithOptionalGrant(rows)
	} else {
		candidates = PossibleRoles(rows, filtered)
	}
	if len(candidates) == 0 {
		dec.Reason = ReasonNoAuthorization
		return dec
	}
	for roleID := range candidates {
		if _, in := userRoles[roleID]; in {
			dec.Granted = true
			dec.Reason = ReasonRoleGrant
			dec.RoleID = roleID
			return dec
		}
	}
	dec.Reason = ReasonNoMatchingRole
	return dec
}

func (e *Engine) userRoleSet(ctx context.Context, user *UserContext, view *roleView) (map[int64]struct{}, error) {
	ids := make(map[int64]struct{})
	if user != nil && user.UID != "" {
		explicit, err := e.memberships.RolesOf(ctx, user.UID, time.Now())
		if err != nil {
			return nil, err
		}
		for _, id := range explicit {
			if _, ok := view.byID[id]; ok {
				ids[id] = struct{}{}
			}
		}
	}
	for id, def := range view.defs {
		if _, ok := ids[id]; ok {
			continue
		}
		if def.Allows(user) {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// pruneOrphans drops link rows referencing roles that no longer exist.
// Cascade deletes make this unreachable; observing one is a consistency
// fault, logged and treated as denying.
func pruneOrphans(rows []AuthorizationRow, view *roleView, log logger.Logger) []AuthorizationRow {
	kept := rows[:0]
	for _, row := range rows {
		if _, ok := view.byID[row.RoleID]; !ok {
			log.Error("orphaned authorization link", "role_id", row.RoleID, "group", row.GroupID)
			continue
		}
		kept = append(kept, row)
	}
	return kept
}

func rolesWithOptionalGrant(rows []AuthorizationRow) map[int64]struct{} {
	out := make(map[int64]struct{})
	for _, row := range rows {
		if row.GroupID == GroupOptional {
			out[row.RoleID] = struct{}{}
		}
	}
	return out
}

// PossibleActions reconstructs the admissible argument-combination table a
// role holds for an action (header row first, group id in the "#" column).
func (e *Engine) PossibleActions(ctx context.Context, roleID int64, actionName string) ([][]string, error) {
	actions, err := e.actions.Get(ctx)
	if err != nil {
		return nil, err
	}
	action, ok := actions[actionName]
	if !ok {
		return nil, validationErr("possible actions", "action %q not found", actionName)
	}
	rows, err := e.store.RoleActionAuthorizations(ctx, roleID, action.ID)
	if err != nil {
		return nil, err
	}
	return BuildActionTable(action, rows), nil
}

// PossibleRolesFor returns every role id holding a grant that admits the
// binding. The reserved super-role is always included unless excluded.
func (e *Engine) PossibleRolesFor(ctx context.Context, actionName string, kwargs map[string]string, includeSuperRole bool) (map[int64]struct{}, error) {
	sets, err := e.PossibleRolesBatchFor(ctx, actionName, []map[string]string{kwargs}, includeSuperRole)
	if err != nil {
		return nil, err
	}
	return sets[0], nil
}

// PossibleRolesBatchFor evaluates many bindings against one action in a
// single link-table pass.
func (e *Engine) PossibleRolesBatchFor(ctx context.Context, actionName string, bindings []map[string]string, includeSuperRole bool) ([]map[int64]struct{}, error) {
	actions, err := e.actions.Get(ctx)
	if err != nil {
		return nil, err
	}
	action, ok := actions[actionName]
	if !ok {
		return nil, validationErr("possible roles", "action %q not found", actionName)
	}
	rows, err := e.store.ActionAuthorizations(ctx, action.ID)
	if err != nil {
		return nil, err
	}
	sets := PossibleRolesBatch(rows, bindings)
	if includeSuperRole {
		view, err := e.roles.Get(ctx)
		if err != nil {
			return nil, err
		}
		if super, ok := view.byName[e.superRole]; ok {
			for _, set := range sets {
				set[super.ID] = struct{}{}
			}
		}
	}
	return sets, nil
}

func uidOf(user *UserContext) string {
	if user == nil {
		return ""
	}
	return user.UID
}

func decisionKey(user *UserContext, actionName string, kwargs map[string]string) string {
	var b strings.Builder
	b.WriteString(actionName)
	b.WriteByte(0)
	if user != nil {
		b.WriteString(user.UID)
		b.WriteByte(0)
		b.WriteString(user.Email)
		b.WriteByte(0)
		b.WriteString(user.RemoteIP)
		b.WriteByte(0)
		groups := append([]string(nil), user.Groups...)
		sort.Strings(groups)
		for _, g := range groups {
			b.WriteString(g)
			b.WriteByte(1)
		}
		b.WriteByte(0)
		extras := make([]string, 0, len(user.Extra))
		for k, v := range user.Extra {
			extras = append(extras, k+"="+v)
		}
		sort.Strings(extras)
		for _, kv := range extras {
			b.WriteString(kv)
			b.WriteByte(1)
		}
	}
	b.WriteByte(0)
	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(1)
		b.WriteString(kwargs[k])
		b.WriteByte(1)
	}
	return b.String()
}
