package accessctl

import (
	"context"
	"time"
)

// Administrative operations. Every mutation invalidates the engine's
// materialized views; compile and validation failures surface to the caller
// with no partial state applied.

// CreateRole compiles the FireRole source and persists the role with both
// its source text and serialized definition.
func (e *Engine) CreateRole(ctx context.Context, name, description, fireroleSrc string) (*Role, error) {
	def, err := Compile(fireroleSrc)
	if err != nil {
		return nil, err
	}
	role := &Role{Name: name, Description: description, FireroleSrc: fireroleSrc, Definition: def}
	if err := e.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	e.invalidate()
	e.logger.Info("role created", "role", name)
	return role, nil
}

// UpdateRole recompiles the definition from the updated source; a compile
// error leaves the previously stored definition in force.
func (e *Engine) UpdateRole(ctx context.Context, roleID int64, name, description, fireroleSrc string) error {
	def, err := Compile(fireroleSrc)
	if err != nil {
		return err
	}
	role := &Role{ID: roleID, Name: name, Description: description, FireroleSrc: fireroleSrc, Definition: def}
	if err := e.store.UpdateRole(ctx, role); err != nil {
		return err
	}
	e.invalidate()
	e.logger.Info("role updated", "role", name)
	return nil
}

// DeleteRole cascades the role's authorization links and memberships. The
// reserved super-role is refused.
func (e *Engine) DeleteRole(ctx context.Context, roleID int64) error {
	role, err := e.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.Name == e.superRole {
		return validationErr("delete role", "the %q role cannot be deleted", e.superRole)
	}
	if err := e.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	e.invalidate()
	e.logger.Info("role deleted", "role", role.Name)
	return nil
}

func (e *Engine) CreateAction(ctx context.Context, a *Action) error {
	if err := e.store.CreateAction(ctx, a); err != nil {
		return err
	}
	e.invalidate()
	e.logger.Info("action created", "action", a.Name)
	return nil
}

func (e *Engine) UpdateAction(ctx context.Context, a *Action) error {
	if err := e.store.UpdateAction(ctx, a); err != nil {
		return err
	}
	e.invalidate()
	return nil
}

func (e *Engine) DeleteAction(ctx context.Context, actionID int64) error {
	if err := e.store.DeleteAction(ctx, actionID); err != nil {
		return err
	}
	e.invalidate()
	return nil
}

// Grant authorizes (role, action, args) as one new argument group and
// returns its group id.
func (e *Engine) Grant(ctx context.Context, roleID, actionID int64, args map[string]string, optional bool) (int, error) {
	groupID, err := e.store.AddAuthorization(ctx, roleID, actionID, args, optional)
	if err != nil {
		return 0, err
	}
	e.invalidate()
	e.logger.Info("authorization granted", "role_id", roleID, "action_id", actionID, "group", groupID)
	return groupID, nil
}

// Revoke removes every grant the role holds for the action.
func (e *Engine) Revoke(ctx context.Context, roleID, actionID int64) error {
	if err := e.store.DeleteAuthorizations(ctx, roleID, actionID); err != nil {
		return err
	}
	e.invalidate()
	e.logger.Info("authorizations revoked", "role_id", roleID, "action_id", actionID)
	return nil
}

// RemoveFromGroup deletes one argument group and re-inserts the combinations
// that survive the removal as fresh groups.
func (e *Engine) RemoveFromGroup(ctx context.Context, roleID, actionID int64, groupID int, removeArgIDs []int64) error {
	if err := e.store.RemoveFromGroup(ctx, roleID, actionID, groupID, removeArgIDs); err != nil {
		return err
	}
	e.invalidate()
	return nil
}

// SplitGroup expands one multi-valued group into single-valued groups.
func (e *Engine) SplitGroup(ctx context.Context, roleID, actionID int64, groupID int) error {
	if err := e.store.SplitGroup(ctx, roleID, actionID, groupID); err != nil {
		return err
	}
	e.invalidate()
	return nil
}

// MergeGroups recomputes a duplicate-free group set from the union of the
// given groups.
func (e *Engine) MergeGroups(ctx context.Context, roleID, actionID int64, groupIDs []int) error {
	if err := e.store.MergeGroups(ctx, roleID, actionID, groupIDs); err != nil {
		return err
	}
	e.invalidate()
	return nil
}

// AssignMembership adds an explicit user-role assignment; a zero expiration
// never lapses.
func (e *Engine) AssignMembership(ctx context.Context, uid string, roleID int64, expires time.Time) error {
	if err := e.memberships.AssignRole(ctx, uid, roleID, expires); err != nil {
		return err
	}
	e.invalidate()
	e.logger.Info("membership assigned", "uid", uid, "role_id", roleID)
	return nil
}

func (e *Engine) RevokeMembership(ctx context.Context, uid string, roleID int64) error {
	if err := e.memberships.RevokeRole(ctx, uid, roleID); err != nil {
		return err
	}
	e.invalidate()
	return nil
}

// ApplyCatalog seeds the catalog's roles, actions and authorizations on top
// of the current store contents. Existing entries with the same names are
// left in place.
func (e *Engine) ApplyCatalog(ctx context.Context, cat *Catalog) error {
	if err := cat.Validate(); err != nil {
		return err
	}
	roleIDs := make(map[string]int64, len(cat.Roles))
	for _, cr := range cat.Roles {
		if existing, err := e.store.GetRoleByName(ctx, cr.Name); err == nil {
			roleIDs[cr.Name] = existing.ID
			continue
		}
		def, err := Compile(cr.Definition)
		if err != nil {
			return err
		}
		role := &Role{Name: cr.Name, Description: cr.Description, FireroleSrc: cr.Definition, Definition: def}
		if err := e.store.CreateRole(ctx, role); err != nil {
			return err
		}
		roleIDs[cr.Name] = role.ID
	}
	actionIDs := make(map[string]int64, len(cat.Actions))
	for _, ca := range cat.Actions {
		if existing, err := e.store.GetActionByName(ctx, ca.Name); err == nil {
			actionIDs[ca.Name] = existing.ID
			continue
		}
		action := &Action{Name: ca.Name, Description: ca.Description, Keywords: ca.Keywords, Optional: ca.Optional}
		if err := e.store.CreateAction(ctx, action); err != nil {
			return err
		}
		actionIDs[ca.Name] = action.ID
	}
	for _, auth := range cat.Authorizations {
		_, err := e.store.AddAuthorization(ctx, roleIDs[auth.Role], actionIDs[auth.Action], auth.Args, auth.Optional)
		if err != nil {
			if _, dup := err.(*ValidationError); dup {
				continue // already granted
			}
			return err
		}
	}
	e.invalidate()
	e.logger.Info("catalog applied",
		"roles", len(cat.Roles),
		"actions", len(cat.Actions),
		"authorizations", len(cat.Authorizations),
	)
	return nil
}

// ResetDefaultSettings wipes all authorization data and reseeds the given
// catalog (DefaultCatalog when nil).
func (e *Engine) ResetDefaultSettings(ctx context.Context, cat *Catalog) error {
	if cat == nil {
		cat = DefaultCatalog()
	}
	if err := cat.Validate(); err != nil {
		return err
	}
	if err := e.store.Wipe(ctx); err != nil {
		return err
	}
	if err := e.ApplyCatalog(ctx, cat); err != nil {
		return err
	}
	e.logger.Info("reset to default settings")
	return nil
}
