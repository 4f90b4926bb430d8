package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/archivio/accessctl"
)

// SQLStore is the squealx-backed relational Store. Every group mutation runs
// inside one transaction so a concurrent reader never observes a group
// half-deleted or half-inserted, and the matching revision row is bumped in
// the same transaction to keep the freshness token honest.
type SQLStore struct {
	db *squealx.DB
}

func NewSQLStore(db *squealx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) bumpRevision(ctx context.Context, tx *squealx.Tx, table string) error {
	_, err := tx.NamedExecContext(ctx, `UPDATE revisions SET rev = rev + 1 WHERE table_name = :table_name`,
		map[string]any{"table_name": table})
	return err
}

func (s *SQLStore) Revision(ctx context.Context) (string, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT table_name, rev FROM revisions ORDER BY table_name`, map[string]any{})
	if err != nil {
		return "", err
	}
	defer r.Close()
	token := ""
	for r.Next() {
		var table string
		var rev int64
		if err := r.Scan(&table, &rev); err != nil {
			return "", err
		}
		token += fmt.Sprintf("%s=%d;", table, rev)
	}
	return token, r.Err()
}

func (s *SQLStore) Wipe(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"authorizations", "memberships", "arguments", "actions", "roles"} {
		if _, err := tx.NamedExecContext(ctx, "DELETE FROM "+table, map[string]any{}); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
		if err := s.bumpRevision(ctx, tx, table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- roles ---

func roleBlob(r *accessctl.Role) ([]byte, error) {
	def := r.Definition
	if def == nil {
		var err error
		if def, err = accessctl.Compile(r.FireroleSrc); err != nil {
			return nil, err
		}
		r.Definition = def
	}
	return def.MarshalBinary()
}

func (s *SQLStore) CreateRole(ctx context.Context, r *accessctl.Role) error {
	blob, err := roleBlob(r)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.NamedExecContext(ctx,
		`INSERT INTO roles(name, description, firerole_src, firerole_blob) VALUES(:name, :description, :firerole_src, :firerole_blob)`,
		map[string]any{
			"name":          r.Name,
			"description":   r.Description,
			"firerole_src":  r.FireroleSrc,
			"firerole_blob": blob,
		})
	if err != nil {
		return fmt.Errorf("create role %q: %w", r.Name, err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	if err := s.bumpRevision(ctx, tx, "roles"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) UpdateRole(ctx context.Context, r *accessctl.Role) error {
	blob, err := roleBlob(r)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.NamedExecContext(ctx,
		`UPDATE roles SET name=:name, description=:description, firerole_src=:firerole_src, firerole_blob=:firerole_blob WHERE id=:id`,
		map[string]any{
			"id":            r.ID,
			"name":          r.Name,
			"description":   r.Description,
			"firerole_src":  r.FireroleSrc,
			"firerole_blob": blob,
		})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &accessctl.ValidationError{Op: "update role", Msg: fmt.Sprintf("role %d not found", r.ID)}
	}
	if err := s.bumpRevision(ctx, tx, "roles"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteRole(ctx context.Context, roleID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.NamedExecContext(ctx, `DELETE FROM roles WHERE id = :id`, map[string]any{"id": roleID})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &accessctl.ValidationError{Op: "delete role", Msg: fmt.Sprintf("role %d not found", roleID)}
	}
	if _, err := tx.NamedExecContext(ctx, `DELETE FROM authorizations WHERE role_id = :id`, map[string]any{"id": roleID}); err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, `DELETE FROM memberships WHERE role_id = :id`, map[string]any{"id": roleID}); err != nil {
		return err
	}
	for _, table := range []string{"roles", "authorizations", "memberships"} {
		if err := s.bumpRevision(ctx, tx, table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) scanRole(r *squealx.Rows) (*accessctl.Role, error) {
	var role accessctl.Role
	var blob []byte
	if err := r.Scan(&role.ID, &role.Name, &role.Description, &role.FireroleSrc, &blob); err != nil {
		return nil, err
	}
	// self-healing happens in LoadDefinition; here a bad blob only costs a
	// recompile
	def, _, err := accessctl.LoadDefinition(role.FireroleSrc, blob)
	if err == nil {
		role.Definition = def
	}
	return &role, nil
}

const roleColumns = `id, name, description, firerole_src, firerole_blob`

func (s *SQLStore) GetRole(ctx context.Context, roleID int64) (*accessctl.Role, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = :id`, map[string]any{"id": roleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &accessctl.ValidationError{Op: "get role", Msg: fmt.Sprintf("role %d not found", roleID)}
	}
	return s.scanRole(r)
}

func (s *SQLStore) GetRoleByName(ctx context.Context, name string) (*accessctl.Role, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = :name`, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &accessctl.ValidationError{Op: "get role", Msg: fmt.Sprintf("role %q not found", name)}
	}
	return s.scanRole(r)
}

func (s *SQLStore) ListRoles(ctx context.Context) ([]*accessctl.Role, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*accessctl.Role, 0, 8)
	for r.Next() {
		role, err := s.scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, r.Err()
}

// LoadDefinition resolves a role's compiled definition, recompiling from
// source and persisting the repaired blob when the stored one fails to
// decode. When source and blob are both unusable the deny-all fallback is
// returned together with the *CorruptionError.
func (s *SQLStore) LoadDefinition(ctx context.Context, roleID int64) (*accessctl.Definition, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT firerole_src, firerole_blob FROM roles WHERE id = :id`, map[string]any{"id": roleID})
	if err != nil {
		return nil, err
	}
	var src string
	var blob []byte
	if !r.Next() {
		r.Close()
		return nil, &accessctl.ValidationError{Op: "load definition", Msg: fmt.Sprintf("role %d not found", roleID)}
	}
	if err := r.Scan(&src, &blob); err != nil {
		r.Close()
		return nil, err
	}
	r.Close()

	def, repaired, cerr := accessctl.LoadDefinition(src, blob)
	if repaired != nil {
		_, uerr := s.db.NamedExecContext(ctx, `UPDATE roles SET firerole_blob = :blob WHERE id = :id`,
			map[string]any{"id": roleID, "blob": repaired})
		if uerr != nil {
			return def, fmt.Errorf("persist repaired definition: %w", uerr)
		}
	}
	return def, cerr
}

// --- actions ---

func (s *SQLStore) CreateAction(ctx context.Context, a *accessctl.Action) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.NamedExecContext(ctx,
		`INSERT INTO actions(name, description, keywords, optional) VALUES(:name, :description, :keywords, :optional)`,
		map[string]any{
			"name":        a.Name,
			"description": a.Description,
			"keywords":    joinKeywords(a.Keywords),
			"optional":    a.Optional,
		})
	if err != nil {
		return fmt.Errorf("create action %q: %w", a.Name, err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	if err := s.bumpRevision(ctx, tx, "actions"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) UpdateAction(ctx context.Context, a *accessctl.Action) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.NamedExecContext(ctx,
		`UPDATE actions SET name=:name, description=:description, keywords=:keywords, optional=:optional WHERE id=:id`,
		map[string]any{
			"id":          a.ID,
			"name":        a.Name,
			"description": a.Description,
			"keywords":    joinKeywords(a.Keywords),
			"optional":    a.Optional,
		})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &accessctl.ValidationError{Op: "update action", Msg: fmt.Sprintf("action %d not found", a.ID)}
	}
	if err := s.bumpRevision(ctx, tx, "actions"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) DeleteAction(ctx context.Context, actionID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.NamedExecContext(ctx, `DELETE FROM actions WHERE id = :id`, map[string]any{"id": actionID})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &accessctl.ValidationError{Op: "delete action", Msg: fmt.Sprintf("action %d not found", actionID)}
	}
	if _, err := tx.NamedExecContext(ctx, `DELETE FROM authorizations WHERE action_id = :id`, map[string]any{"id": actionID}); err != nil {
		return err
	}
	if err := s.bumpRevision(ctx, tx, "actions"); err != nil {
		return err
	}
	if err := s.bumpRevision(ctx, tx, "authorizations"); err != nil {
		return err
	}
	return tx.Commit()
}

func scanAction(r *squealx.Rows) (*accessctl.Action, error) {
	var a accessctl.Action
	var keywords string
	var optional int
	if err := r.Scan(&a.ID, &a.Name, &a.Description, &keywords, &optional); err != nil {
		return nil, err
	}
	a.Keywords = splitKeywords(keywords)
	a.Optional = optional != 0
	return &a, nil
}

const actionColumns = `id, name, description, keywords, optional`

func (s *SQLStore) GetAction(ctx context.Context, actionID int64) (*accessctl.Action, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = :id`, map[string]any{"id": actionID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &accessctl.ValidationError{Op: "get action", Msg: fmt.Sprintf("action %d not found", actionID)}
	}
	return scanAction(r)
}

func (s *SQLStore) GetActionByName(ctx context.Context, name string) (*accessctl.Action, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE name = :name`, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &accessctl.ValidationError{Op: "get action", Msg: fmt.Sprintf("action %q not found", name)}
	}
	return scanAction(r)
}

func (s *SQLStore) ListActions(ctx context.Context) ([]*accessctl.Action, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT `+actionColumns+` FROM actions ORDER BY id`, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*accessctl.Action, 0, 8)
	for r.Next() {
		a, err := scanAction(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, r.Err()
}

// --- arguments and links ---

func (s *SQLStore) EnsureArgument(ctx context.Context, keyword, value string) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	id, err := s.ensureArgumentTx(ctx, tx, keyword, value)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (s *SQLStore) ensureArgumentTx(ctx context.Context, tx *squealx.Tx, keyword, value string) (int64, error) {
	res, err := tx.NamedExecContext(ctx,
		`INSERT OR IGNORE INTO arguments(keyword, value) VALUES(:keyword, :value)`,
		map[string]any{"keyword": keyword, "value": value})
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := s.bumpRevision(ctx, tx, "arguments"); err != nil {
			return 0, err
		}
	}
	r, err := tx.NamedQuery(`SELECT id FROM arguments WHERE keyword = :keyword AND value = :value`,
		map[string]any{"keyword": keyword, "value": value})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	if !r.Next() {
		return 0, fmt.Errorf("argument (%s, %s) vanished", keyword, value)
	}
	var id int64
	if err := r.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLStore) DeleteArgument(ctx context.Context, argumentID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	r, err := tx.NamedQuery(`SELECT COUNT(*) FROM authorizations WHERE argument_id = :id`, map[string]any{"id": argumentID})
	if err != nil {
		return err
	}
	var linked int64
	if r.Next() {
		if err := r.Scan(&linked); err != nil {
			r.Close()
			return err
		}
	}
	r.Close()
	if linked > 0 {
		return &accessctl.ValidationError{Op: "delete argument", Msg: fmt.Sprintf("argument %d is still linked", argumentID)}
	}
	res, err := tx.NamedExecContext(ctx, `DELETE FROM arguments WHERE id = :id`, map[string]any{"id": argumentID})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &accessctl.ValidationError{Op: "delete argument", Msg: fmt.Sprintf("argument %d not found", argumentID)}
	}
	if err := s.bumpRevision(ctx, tx, "arguments"); err != nil {
		return err
	}
	return tx.Commit()
}

const linkSelect = `
SELECT l.role_id, l.action_id, COALESCE(l.argument_id, 0), COALESCE(a.keyword, ''), COALESCE(a.value, ''), l.group_id
FROM authorizations l
LEFT JOIN arguments a ON a.id = l.argument_id`

func scanLinkRows(r *squealx.Rows) ([]accessctl.AuthorizationRow, error) {
	out := make([]accessctl.AuthorizationRow, 0, 16)
	for r.Next() {
		var row accessctl.AuthorizationRow
		if err := r.Scan(&row.RoleID, &row.ActionID, &row.ArgumentID, &row.Keyword, &row.Value, &row.GroupID); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, r.Err()
}

func (s *SQLStore) RoleActionAuthorizations(ctx context.Context, roleID, actionID int64) ([]accessctl.AuthorizationRow, error) {
	r, err := s.db.NamedQueryContext(ctx, linkSelect+` WHERE l.role_id = :role_id AND l.action_id = :action_id`,
		map[string]any{"role_id": roleID, "action_id": actionID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return scanLinkRows(r)
}

func (s *SQLStore) ActionAuthorizations(ctx context.Context, actionID int64) ([]accessctl.AuthorizationRow, error) {
	r, err := s.db.NamedQueryContext(ctx, linkSelect+` WHERE l.action_id = :action_id`,
		map[string]any{"action_id": actionID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return scanLinkRows(r)
}

func (s *SQLStore) pairRowsTx(tx *squealx.Tx, roleID, actionID int64) ([]accessctl.AuthorizationRow, error) {
	r, err := tx.NamedQuery(linkSelect+` WHERE l.role_id = :role_id AND l.action_id = :action_id`,
		map[string]any{"role_id": roleID, "action_id": actionID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return scanLinkRows(r)
}

func (s *SQLStore) insertLinkTx(ctx context.Context, tx *squealx.Tx, row accessctl.AuthorizationRow) error {
	var argID any
	if row.ArgumentID != 0 {
		argID = row.ArgumentID
	}
	_, err := tx.NamedExecContext(ctx,
		`INSERT INTO authorizations(role_id, action_id, argument_id, group_id) VALUES(:role_id, :action_id, :argument_id, :group_id)`,
		map[string]any{
			"role_id":     row.RoleID,
			"action_id":   row.ActionID,
			"argument_id": argID,
			"group_id":    row.GroupID,
		})
	return err
}

func (s *SQLStore) AddAuthorization(ctx context.Context, roleID, actionID int64, args map[string]string, optional bool) (int, error) {
	action, err := s.GetAction(ctx, actionID)
	if err != nil {
		return 0, err
	}
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := s.pairRowsTx(tx, roleID, actionID)
	if err != nil {
		return 0, err
	}

	if optional {
		if !action.Optional {
			return 0, &accessctl.ValidationError{Op: "add authorization", Msg: fmt.Sprintf("action %q does not accept an optional grant", action.Name)}
		}
		for _, row := range rows {
			if row.GroupID == accessctl.GroupOptional {
				return 0, &accessctl.ValidationError{Op: "add authorization", Msg: "optional grant already exists"}
			}
		}
		link := accessctl.AuthorizationRow{RoleID: roleID, ActionID: actionID, GroupID: accessctl.GroupOptional}
		if err := s.insertLinkTx(ctx, tx, link); err != nil {
			return 0, err
		}
		if err := s.bumpRevision(ctx, tx, "authorizations"); err != nil {
			return 0, err
		}
		return accessctl.GroupOptional, tx.Commit()
	}

	if len(args) == 0 {
		for _, row := range rows {
			if row.GroupID == accessctl.GroupNoArguments {
				return 0, &accessctl.ValidationError{Op: "add authorization", Msg: "grant already exists"}
			}
		}
		link := accessctl.AuthorizationRow{RoleID: roleID, ActionID: actionID, GroupID: accessctl.GroupNoArguments}
		if err := s.insertLinkTx(ctx, tx, link); err != nil {
			return 0, err
		}
		if err := s.bumpRevision(ctx, tx, "authorizations"); err != nil {
			return 0, err
		}
		return accessctl.GroupNoArguments, tx.Commit()
	}

	sig := make(map[int64]struct{}, len(args))
	newRows := make([]accessctl.AuthorizationRow, 0, len(args))
	for kw, value := range args {
		if !action.HasKeyword(kw) {
			return 0, &accessctl.ValidationError{Op: "add authorization", Msg: fmt.Sprintf("keyword %q not allowed for action %q", kw, action.Name)}
		}
		argID, err := s.ensureArgumentTx(ctx, tx, kw, value)
		if err != nil {
			return 0, err
		}
		sig[argID] = struct{}{}
		newRows = append(newRows, accessctl.AuthorizationRow{
			RoleID: roleID, ActionID: actionID,
			ArgumentID: argID, Keyword: kw, Value: value,
		})
	}
	for _, gid := range groupIDsOf(rows) {
		if gid > 0 && accessctl.SameSignature(accessctl.GroupSignature(rows, gid), sig) {
			return 0, &accessctl.ValidationError{Op: "add authorization", Msg: "duplicate grant"}
		}
	}

	groupID := accessctl.NextGroupID(rows)
	for i := range newRows {
		newRows[i].GroupID = groupID
		if err := s.insertLinkTx(ctx, tx, newRows[i]); err != nil {
			return 0, err
		}
	}
	if err := s.bumpRevision(ctx, tx, "authorizations"); err != nil {
		return 0, err
	}
	return groupID, tx.Commit()
}

func groupIDsOf(rows []accessctl.AuthorizationRow) []int {
	seen := make(map[int]struct{}, 8)
	ids := make([]int, 0, 8)
	for _, row := range rows {
		if _, ok := seen[row.GroupID]; !ok {
			seen[row.GroupID] = struct{}{}
			ids = append(ids, row.GroupID)
		}
	}
	return ids
}

func (s *SQLStore) DeleteAuthorizations(ctx context.Context, roleID, actionID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.NamedExecContext(ctx,
		`DELETE FROM authorizations WHERE role_id = :role_id AND action_id = :action_id`,
		map[string]any{"role_id": roleID, "action_id": actionID})
	if err != nil {
		return err
	}
	if err := s.bumpRevision(ctx, tx, "authorizations"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) deleteGroupTx(ctx context.Context, tx *squealx.Tx, roleID, actionID int64, groupID int) error {
	_, err := tx.NamedExecContext(ctx,
		`DELETE FROM authorizations WHERE role_id = :role_id AND action_id = :action_id AND group_id = :group_id`,
		map[string]any{"role_id": roleID, "action_id": actionID, "group_id": groupID})
	return err
}

func (s *SQLStore) insertComboTx(ctx context.Context, tx *squealx.Tx, roleID, actionID int64, combo []int64, groupID int) error {
	for _, argID := range combo {
		link := accessctl.AuthorizationRow{RoleID: roleID, ActionID: actionID, ArgumentID: argID, GroupID: groupID}
		if err := s.insertLinkTx(ctx, tx, link); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFromGroup deletes the whole group inside one transaction, then
// re-inserts every combination that avoids the removed argument ids as a
// fresh group. Readers either see the group intact or fully replaced.
func (s *SQLStore) RemoveFromGroup(ctx context.Context, roleID, actionID int64, groupID int, removeArgIDs []int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := s.pairRowsTx(tx, roleID, actionID)
	if err != nil {
		return err
	}
	combos := accessctl.GroupCombinations(rows, groupID)
	if len(combos) == 0 {
		return &accessctl.ValidationError{Op: "remove from group", Msg: fmt.Sprintf("group %d not found", groupID)}
	}
	removed := make(map[int64]struct{}, len(removeArgIDs))
	for _, id := range removeArgIDs {
		removed[id] = struct{}{}
	}

	if err := s.deleteGroupTx(ctx, tx, roleID, actionID, groupID); err != nil {
		return err
	}
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
		remaining, err := s.pairRowsTx(tx, roleID, actionID)
		if err != nil {
			return err
		}
		if comboDuplicates(remaining, combo) {
			continue
		}
		if err := s.insertComboTx(ctx, tx, roleID, actionID, combo, accessctl.NextGroupID(remaining)); err != nil {
			return err
		}
	}
	if err := s.bumpRevision(ctx, tx, "authorizations"); err != nil {
		return err
	}
	return tx.Commit()
}

func comboDuplicates(rows []accessctl.AuthorizationRow, combo []int64) bool {
	sig := make(map[int64]struct{}, len(combo))
	for _, id := range combo {
		sig[id] = struct{}{}
	}
	for _, gid := range groupIDsOf(rows) {
		if gid > 0 && accessctl.SameSignature(accessctl.GroupSignature(rows, gid), sig) {
			return true
		}
	}
	return false
}

func (s *SQLStore) SplitGroup(ctx context.Context, roleID, actionID int64, groupID int) error {
	return s.RemoveFromGroup(ctx, roleID, actionID, groupID, nil)
}

func (s *SQLStore) MergeGroups(ctx context.Context, roleID, actionID int64, groupIDs []int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := s.pairRowsTx(tx, roleID, actionID)
	if err != nil {
		return err
	}
	var combos [][]int64
	for _, gid := range groupIDs {
		cs := accessctl.GroupCombinations(rows, gid)
		if len(cs) == 0 {
			return &accessctl.ValidationError{Op: "merge groups", Msg: fmt.Sprintf("group %d not found", gid)}
		}
		combos = append(combos, cs...)
	}
	for _, gid := range groupIDs {
		if err := s.deleteGroupTx(ctx, tx, roleID, actionID, gid); err != nil {
			return err
		}
	}
	for _, combo := range combos {
		remaining, err := s.pairRowsTx(tx, roleID, actionID)
		if err != nil {
			return err
		}
		if comboDuplicates(remaining, combo) {
			continue
		}
		if err := s.insertComboTx(ctx, tx, roleID, actionID, combo, accessctl.NextGroupID(remaining)); err != nil {
			return err
		}
	}
	if err := s.bumpRevision(ctx, tx, "authorizations"); err != nil {
		return err
	}
	return tx.Commit()
}

// --- memberships ---

func (s *SQLStore) AssignRole(ctx context.Context, uid string, roleID int64, expires time.Time) error {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.NamedExecContext(ctx,
		`INSERT OR REPLACE INTO memberships(user_id, role_id, expires_at) VALUES(:user_id, :role_id, :expires_at)`,
		map[string]any{"user_id": uid, "role_id": roleID, "expires_at": sqlNullTimeOrNil(expires)})
	if err != nil {
		return err
	}
	if err := s.bumpRevision(ctx, tx, "memberships"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) RevokeRole(ctx context.Context, uid string, roleID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.NamedExecContext(ctx,
		`DELETE FROM memberships WHERE user_id = :user_id AND role_id = :role_id`,
		map[string]any{"user_id": uid, "role_id": roleID})
	if err != nil {
		return err
	}
	if err := s.bumpRevision(ctx, tx, "memberships"); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) RolesOf(ctx context.Context, uid string, now time.Time) ([]int64, error) {
	r, err := s.db.NamedQueryContext(ctx,
		`SELECT role_id FROM memberships WHERE user_id = :user_id AND (expires_at IS NULL OR expires_at > :now) ORDER BY role_id`,
		map[string]any{"user_id": uid, "now": now})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]int64, 0, 4)
	for r.Next() {
		var id int64
		if err := r.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, r.Err()
}

func (s *SQLStore) ListMemberships(ctx context.Context, roleID int64) ([]accessctl.Membership, error) {
	r, err := s.db.NamedQueryContext(ctx,
		`SELECT user_id, role_id, expires_at FROM memberships WHERE role_id = :role_id ORDER BY user_id`,
		map[string]any{"role_id": roleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]accessctl.Membership, 0, 8)
	for r.Next() {
		var m accessctl.Membership
		var expiresRaw interface{}
		if err := r.Scan(&m.UID, &m.RoleID, &expiresRaw); err != nil {
			return nil, err
		}
		if expiresRaw != nil {
			m.Expires = scanTime(expiresRaw)
		}
		out = append(out, m)
	}
	return out, r.Err()
}
