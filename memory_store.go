package accessctl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a self-contained Store used by tests and small deployments.
// All mutations run under one lock, which gives the same group atomicity the
// SQL store gets from transactions.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[int64]*Role
	actions     map[int64]*Action
	args        map[int64]*Argument
	argIndex    map[string]int64
	links       []AuthorizationRow
	memberships map[string]map[int64]time.Time

	nextRoleID   int64
	nextActionID int64
	nextArgID    int64
	revs         [5]uint64 // roles, actions, arguments, authorizations, memberships
}

const (
	revRoles = iota
	revActions
	revArguments
	revAuthorizations
	revMemberships
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[int64]*Role),
		actions:     make(map[int64]*Action),
		args:        make(map[int64]*Argument),
		argIndex:    make(map[string]int64),
		memberships: make(map[string]map[int64]time.Time),
	}
}

func argKey(keyword, value string) string { return keyword + "\x00" + value }

func (s *MemoryStore) Revision(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%d.%d.%d.%d.%d", s.revs[0], s.revs[1], s.revs[2], s.revs[3], s.revs[4]), nil
}

func (s *MemoryStore) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles = make(map[int64]*Role)
	s.actions = make(map[int64]*Action)
	s.args = make(map[int64]*Argument)
	s.argIndex = make(map[string]int64)
	s.links = nil
	s.memberships = make(map[string]map[int64]time.Time)
	for i := range s.revs {
		s.revs[i]++
	}
	return nil
}

// --- roles ---

func (s *MemoryStore) CreateRole(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == r.Name {
			return validationErr("create role", "role %q already exists", r.Name)
		}
	}
	s.nextRoleID++
	r.ID = s.nextRoleID
	cp := *r
	s.roles[r.ID] = &cp
	s.revs[revRoles]++
	return nil
}

func (s *MemoryStore) UpdateRole(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; !ok {
		return validationErr("update role", "role %d not found", r.ID)
	}
	cp := *r
	s.roles[r.ID] = &cp
	s.revs[revRoles]++
	return nil
}

func (s *MemoryStore) DeleteRole(ctx context.Context, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return validationErr("delete role", "role %d not found", roleID)
	}
	delete(s.roles, roleID)
	kept := s.links[:0]
	for _, row := range s.links {
		if row.RoleID != roleID {
			kept = append(kept, row)
		}
	}
	s.links = kept
	for uid, byRole := range s.memberships {
		delete(byRole, roleID)
		if len(byRole) == 0 {
			delete(s.memberships, uid)
		}
	}
	s.revs[revRoles]++
	s.revs[revAuthorizations]++
	s.revs[revMemberships]++
	return nil
}

func (s *MemoryStore) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[roleID]
	if !ok {
		return nil, validationErr("get role", "role %d not found", roleID)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, validationErr("get role", "role %q not found", name)
}

func (s *MemoryStore) ListRoles(ctx context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LoadDefinition(ctx context.Context, roleID int64) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[roleID]
	if !ok {
		return nil, validationErr("load definition", "role %d not found", roleID)
	}
	if r.Definition != nil {
		return r.Definition, nil
	}
	def, _, err := LoadDefinition(r.FireroleSrc, nil)
	return def, err
}

// --- actions ---

func (s *MemoryStore) CreateAction(ctx context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.actions {
		if existing.Name == a.Name {
			return validationErr("create action", "action %q already exists", a.Name)
		}
	}
	s.nextActionID++
	a.ID = s.nextActionID
	cp := *a
	cp.Keywords = append([]string(nil), a.Keywords...)
	s.actions[a.ID] = &cp
	s.revs[revActions]++
	return nil
}

func (s *MemoryStore) UpdateAction(ctx context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; !ok {
		return validationErr("update action", "action %d not found", a.ID)
	}
	cp := *a
	cp.Keywords = append([]string(nil), a.Keywords...)
	s.actions[a.ID] = &cp
	s.revs[revActions]++
	return nil
}

func (s *MemoryStore) DeleteAction(ctx context.Context, actionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[actionID]; !ok {
		return validationErr("delete action", "action %d not found", actionID)
	}
	delete(s.actions, actionID)
	kept := s.links[:0]
	for _, row := range s.links {
		if row.ActionID != actionID {
			kept = append(kept, row)
		}
	}
	s.links = kept
	s.revs[revActions]++
	s.revs[revAuthorizations]++
	return nil
}

func (s *MemoryStore) GetAction(ctx context.Context, actionID int64) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[actionID]
	if !ok {
		return nil, validationErr("get action", "action %d not found", actionID)
	}
	cp := *a
	cp.Keywords = append([]string(nil), a.Keywords...)
	return &cp, nil
}

func (s *MemoryStore) GetActionByName(ctx context.Context, name string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.actions {
		if a.Name == name {
			cp := *a
			cp.Keywords = append([]string(nil), a.Keywords...)
			return &cp, nil
		}
	}
	return nil, validationErr("get action", "action %q not found", name)
}

func (s *MemoryStore) ListActions(ctx context.Context) ([]*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Action, 0, len(s.actions))
	for _, a := range s.actions {
		cp := *a
		cp.Keywords = append([]string(nil), a.Keywords...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- arguments and links ---

func (s *MemoryStore) EnsureArgument(ctx context.Context, keyword, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureArgumentLocked(keyword, value), nil
}

func (s *MemoryStore) ensureArgumentLocked(keyword, value string) int64 {
	if id, ok := s.argIndex[argKey(keyword, value)]; ok {
		return id
	}
	s.nextArgID++
	s.args[s.nextArgID] = &Argument{ID: s.nextArgID, Keyword: keyword, Value: value}
	s.argIndex[argKey(keyword, value)] = s.nextArgID
	s.revs[revArguments]++
	return s.nextArgID
}

func (s *MemoryStore) DeleteArgument(ctx context.Context, argumentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arg, ok := s.args[argumentID]
	if !ok {
		return validationErr("delete argument", "argument %d not found", argumentID)
	}
	for _, row := range s.links {
		if row.ArgumentID == argumentID {
			return validationErr("delete argument", "argument %d is still linked", argumentID)
		}
	}
	delete(s.argIndex, argKey(arg.Keyword, arg.Value))
	delete(s.args, argumentID)
	s.revs[revArguments]++
	return nil
}

func (s *MemoryStore) pairRowsLocked(roleID, actionID int64) []AuthorizationRow {
	out := make([]AuthorizationRow, 0, 8)
	for _, row := range s.links {
		if row.RoleID == roleID && row.ActionID == actionID {
			out = append(out, row)
		}
	}
	return out
}

func (s *MemoryStore) AddAuthorization(ctx context.Context, roleID, actionID int64, args map[string]string, optional bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return 0, validationErr("add authorization", "role %d not found", roleID)
	}
	action, ok := s.actions[actionID]
	if !ok {
		return 0, validationErr("add authorization", "action %d not found", actionID)
	}

	rows := s.pairRowsLocked(roleID, actionID)

	if optional {
		if !action.Optional {
			return 0, validationErr("add authorization", "action %q does not accept an optional grant", action.Name)
		}
		for _, row := range rows {
			if row.GroupID == GroupOptional {
				return 0, validationErr("add authorization", "optional grant already exists")
			}
		}
		s.links = append(s.links, AuthorizationRow{RoleID: roleID, ActionID: actionID, GroupID: GroupOptional})
		s.revs[revAuthorizations]++
		return GroupOptional, nil
	}

	if len(args) == 0 {
		for _, row := range rows {
			if row.GroupID == GroupNoArguments {
				return 0, validationErr("add authorization", "grant already exists")
			}
		}
		s.links = append(s.links, AuthorizationRow{RoleID: roleID, ActionID: actionID, GroupID: GroupNoArguments})
		s.revs[revAuthorizations]++
		return GroupNoArguments, nil
	}

	sig := make(map[int64]struct{}, len(args))
	resolved := make([]AuthorizationRow, 0, len(args))
	keywords := make([]string, 0, len(args))
	for kw := range args {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)
	for _, kw := range keywords {
		if !action.HasKeyword(kw) {
			return 0, validationErr("add authorization", "keyword %q not allowed for action %q", kw, action.Name)
		}
		argID := s.ensureArgumentLocked(kw, args[kw])
		sig[argID] = struct{}{}
		resolved = append(resolved, AuthorizationRow{
			RoleID: roleID, ActionID: actionID,
			ArgumentID: argID, Keyword: kw, Value: args[kw],
		})
	}
	_, ids := collectGroups(rows)
	for _, id := range ids {
		if id > 0 && SameSignature(GroupSignature(rows, id), sig) {
			return 0, validationErr("add authorization", "duplicate grant")
		}
	}

	groupID := NextGroupID(rows)
	for i := range resolved {
		resolved[i].GroupID = groupID
	}
	s.links = append(s.links, resolved...)
	s.revs[revAuthorizations]++
	return groupID, nil
}

func (s *MemoryStore) DeleteAuthorizations(ctx context.Context, roleID, actionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.links[:0]
	for _, row := range s.links {
		if row.RoleID != roleID || row.ActionID != actionID {
			kept = append(kept, row)
		}
	}
	s.links = kept
	s.revs[revAuthorizations]++
	return nil
}

func (s *MemoryStore) deleteGroupLocked(roleID, actionID int64, groupID int) {
	kept := s.links[:0]
	for _, row := range s.links {
		if row.RoleID == roleID && row.ActionID == actionID && row.GroupID == groupID {
			continue
		}
		kept = append(kept, row)
	}
	s.links = kept
}

func (s *MemoryStore) insertComboLocked(roleID, actionID int64, combo []int64, groupID int) {
	for _, argID := range combo {
		arg := s.args[argID]
		s.links = append(s.links, AuthorizationRow{
			RoleID: roleID, ActionID: actionID,
			ArgumentID: argID, Keyword: arg.Keyword, Value: arg.Value,
			GroupID: groupID,
		})
	}
}

func comboSignature(combo []int64) map[int64]struct{} {
	sig := make(map[int64]struct{}, len(combo))
	for _, id := range combo {
		sig[id] = struct{}{}
	}
	return sig
}

func duplicatesExisting(rows []AuthorizationRow, combo []int64) bool {
	sig := comboSignature(combo)
	_, ids := collectGroups(rows)
	for _, id := range ids {
		if id > 0 && SameSignature(GroupSignature(rows, id), sig) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) RemoveFromGroup(ctx context.Context, roleID, actionID int64, groupID int, removeArgIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.pairRowsLocked(roleID, actionID)
	combos := GroupCombinations(rows, groupID)
	if len(combos) == 0 {
		return validationErr("remove from group", "group %d not found", groupID)
	}
	removed := comboSignature(removeArgIDs)
	s.deleteGroupLocked(roleID, actionID, groupID)
	for _, combo := range combos {
		drop := false
		for _, argID := range combo {
			if _, ok := removed[argID]; ok {
				drop = true
				break
			}
		}
		if drop {
			continue
		}
		remaining := s.pairRowsLocked(roleID, actionID)
		if duplicatesExisting(remaining, combo) {
			continue
		}
		s.insertComboLocked(roleID, actionID, combo, NextGroupID(remaining))
	}
	s.revs[revAuthorizations]++
	return nil
}

func (s *MemoryStore) SplitGroup(ctx context.Context, roleID, actionID int64, groupID int) error {
	return s.RemoveFromGroup(ctx, roleID, actionID, groupID, nil)
}

func (s *MemoryStore) MergeGroups(ctx context.Context, roleID, actionID int64, groupIDs []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.pairRowsLocked(roleID, actionID)
	var combos [][]int64
	for _, gid := range groupIDs {
		cs := GroupCombinations(rows, gid)
		if len(cs) == 0 {
			return validationErr("merge groups", "group %d not found", gid)
		}
		combos = append(combos, cs...)
	}
	for _, gid := range groupIDs {
		s.deleteGroupLocked(roleID, actionID, gid)
	}
	for _, combo := range combos {
		remaining := s.pairRowsLocked(roleID, actionID)
		if duplicatesExisting(remaining, combo) {
			continue
		}
		s.insertComboLocked(roleID, actionID, combo, NextGroupID(remaining))
	}
	s.revs[revAuthorizations]++
	return nil
}

func (s *MemoryStore) RoleActionAuthorizations(ctx context.Context, roleID, actionID int64) ([]AuthorizationRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairRowsLocked(roleID, actionID), nil
}

func (s *MemoryStore) ActionAuthorizations(ctx context.Context, actionID int64) ([]AuthorizationRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuthorizationRow, 0, 16)
	for _, row := range s.links {
		if row.ActionID == actionID {
			out = append(out, row)
		}
	}
	return out, nil
}

// --- memberships ---

func (s *MemoryStore) AssignRole(ctx context.Context, uid string, roleID int64, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return validationErr("assign role", "role %d not found", roleID)
	}
	byRole, ok := s.memberships[uid]
	if !ok {
		byRole = make(map[int64]time.Time)
		s.memberships[uid] = byRole
	}
	byRole[roleID] = expires
	s.revs[revMemberships]++
	return nil
}

func (s *MemoryStore) RevokeRole(ctx context.Context, uid string, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byRole, ok := s.memberships[uid]; ok {
		delete(byRole, roleID)
		if len(byRole) == 0 {
			delete(s.memberships, uid)
		}
	}
	s.revs[revMemberships]++
	return nil
}

func (s *MemoryStore) RolesOf(ctx context.Context, uid string, now time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byRole, ok := s.memberships[uid]
	if !ok {
		return nil, nil
	}
	out := make([]int64, 0, len(byRole))
	for roleID, expires := range byRole {
		m := Membership{UID: uid, RoleID: roleID, Expires: expires}
		if !m.Expired(now) {
			out = append(out, roleID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) ListMemberships(ctx context.Context, roleID int64) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Membership, 0, 8)
	for uid, byRole := range s.memberships {
		if expires, ok := byRole[roleID]; ok {
			out = append(out, Membership{UID: uid, RoleID: roleID, Expires: expires})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}
