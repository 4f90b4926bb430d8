package stores_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/archivio/accessctl"
	"github.com/archivio/accessctl/stores"
)

func newSQLStore(t *testing.T) (*stores.SQLStore, *squealx.DB) {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := stores.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return stores.NewSQLStore(db), db
}

func TestSQLRoleRoundTrip(t *testing.T) {
	store, _ := newSQLStore(t)
	ctx := context.Background()

	role := &accessctl.Role{Name: "referees", Description: "paper referees", FireroleSrc: "allow group 'referees'"}
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatalf("create: %v", err)
	}
	if role.ID == 0 {
		t.Fatalf("create must assign an id")
	}

	got, err := store.GetRoleByName(ctx, "referees")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != role.ID || got.FireroleSrc != role.FireroleSrc {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Definition == nil || !got.Definition.Allows(&accessctl.UserContext{UID: "1", Groups: []string{"referees"}}) {
		t.Fatalf("stored definition must evaluate")
	}

	role.Description = "updated"
	role.FireroleSrc = "deny all"
	role.Definition = nil
	if err := store.UpdateRole(ctx, role); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = store.GetRole(ctx, role.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "updated" || got.FireroleSrc != "deny all" {
		t.Fatalf("update not persisted: %+v", got)
	}

	if _, err := store.GetRole(ctx, 9999); err == nil {
		t.Fatalf("missing role must error")
	}
}

func TestSQLLoadDefinitionRepairsBlob(t *testing.T) {
	store, db := newSQLStore(t)
	ctx := context.Background()
	role := &accessctl.Role{Name: "staff", FireroleSrc: "allow group 'staff'"}
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatalf("create: %v", err)
	}

	// corrupt the stored blob behind the store's back
	_, err := db.NamedExecContext(ctx, `UPDATE roles SET firerole_blob = :blob WHERE id = :id`,
		map[string]any{"id": role.ID, "blob": []byte("garbage")})
	if err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}

	def, err := store.LoadDefinition(ctx, role.ID)
	if err != nil {
		t.Fatalf("load definition must repair from source: %v", err)
	}
	if !def.Equal(accessctl.MustCompile("allow group 'staff'")) {
		t.Fatalf("repaired definition mismatch")
	}

	// the repaired blob was persisted, so the next load decodes cleanly
	def, err = store.LoadDefinition(ctx, role.ID)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if def == nil {
		t.Fatalf("expected a definition")
	}
}

func TestSQLActionRoundTrip(t *testing.T) {
	store, _ := newSQLStore(t)
	ctx := context.Background()
	action := &accessctl.Action{Name: "referee", Description: "referee a record", Keywords: []string{"doctype", "categ"}, Optional: false}
	if err := store.CreateAction(ctx, action); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetActionByName(ctx, "referee")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Keywords) != 2 || got.Keywords[0] != "doctype" || got.Keywords[1] != "categ" {
		t.Fatalf("keywords mangled: %v", got.Keywords)
	}

	got.Optional = true
	got.Keywords = append(got.Keywords, "status")
	if err := store.UpdateAction(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = store.GetAction(ctx, got.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Optional || len(got.Keywords) != 3 {
		t.Fatalf("update not persisted: %+v", got)
	}
}

func seedPair(t *testing.T, store *stores.SQLStore) (roleID, actionID int64) {
	t.Helper()
	ctx := context.Background()
	role := &accessctl.Role{Name: "referees", FireroleSrc: "deny all"}
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}
	action := &accessctl.Action{Name: "referee", Keywords: []string{"doctype", "categ"}}
	if err := store.CreateAction(ctx, action); err != nil {
		t.Fatalf("create action: %v", err)
	}
	return role.ID, action.ID
}

func TestSQLAddAuthorization(t *testing.T) {
	store, _ := newSQLStore(t)
	ctx := context.Background()
	roleID, actionID := seedPair(t, store)

	groupID, err := store.AddAuthorization(ctx, roleID, actionID, map[string]string{"doctype": "ATLAS", "categ": "PHYS"}, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if groupID != 1 {
		t.Fatalf("first group should get id 1, got %d", groupID)
	}

	rows, err := store.RoleActionAuthorizations(ctx, roleID, actionID)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 link rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.GroupID != 1 || row.ArgumentID == 0 || row.Keyword == "" {
			t.Fatalf("malformed link row: %+v", row)
		}
	}

	if _, err := store.AddAuthorization(ctx, roleID, actionID, map[string]string{"doctype": "ATLAS", "categ": "PHYS"}, false); err == nil {
		t.Fatalf("duplicate grant must be rejected")
	}
	if _, err := store.AddAuthorization(ctx, roleID, actionID, map[string]string{"color": "blue"}, false); err == nil {
		t.Fatalf("unknown keyword must be rejected")
	}

	// arguments are deduplicated across grants
	id1, err := store.EnsureArgument(ctx, "doctype", "ATLAS")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	id2, err := store.EnsureArgument(ctx, "doctype", "ATLAS")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("same (keyword, value) must resolve to one argument, got %d and %d", id1, id2)
	}
}

func TestSQLGroupMutations(t *testing.T) {
	store, _ := newSQLStore(t)
	ctx := context.Background()
	roleID, actionID := seedPair(t, store)

	g1, err := store.AddAuthorization(ctx, roleID, actionID, map[string]string{"doctype": "ATLAS", "categ": "PHYS"}, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	g2, err := store.AddAuthorization(ctx, roleID, actionID, map[string]string{"doctype": "ATLAS", "categ": "GEN"}, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := store.MergeGroups(ctx, roleID, actionID, []int{g1, g2}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	rows, err := store.RoleActionAuthorizations(ctx, roleID, actionID)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("merge must retain both combinations, got %d rows", len(rows))
	}

	genID, err := store.EnsureArgument(ctx, "categ", "GEN")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	var genGroup int
	for _, row := range rows {
		if row.ArgumentID == genID {
			genGroup = row.GroupID
		}
	}
	if err := store.RemoveFromGroup(ctx, roleID, actionID, genGroup, []int64{genID}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rows, err = store.RoleActionAuthorizations(ctx, roleID, actionID)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	for _, row := range rows {
		if row.ArgumentID == genID {
			t.Fatalf("removed combination still present: %+v", row)
		}
	}
	if len(rows) != 2 {
		t.Fatalf("the surviving combination must remain, got %d rows", len(rows))
	}

	if err := store.RemoveFromGroup(ctx, roleID, actionID, 999, nil); err == nil {
		t.Fatalf("removing from a missing group must error")
	}
}

func TestSQLDeleteArgumentGuard(t *testing.T) {
	store, _ := newSQLStore(t)
	ctx := context.Background()
	roleID, actionID := seedPair(t, store)
	if _, err := store.AddAuthorization(ctx, roleID, actionID, map[string]string{"doctype": "ATLAS", "categ": "PHYS"}, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	argID, err := store.EnsureArgument(ctx, "doctype", "ATLAS")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := store.DeleteArgument(ctx, argID); err == nil {
		t.Fatalf("deleting a linked argument must be rejected")
	}
	if err := store.DeleteAuthorizations(ctx, roleID, actionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := store.DeleteArgument(ctx, argID); err != nil {
		t.Fatalf("unlinked argument should delete: %v", err)
	}
}

func TestSQLMemberships(t *testing.T) {
	store, _ := newSQLStore(t)
	ctx := context.Background()
	roleID, _ := seedPair(t, store)

	if err := store.AssignRole(ctx, "42", roleID, time.Time{}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := store.AssignRole(ctx, "55", roleID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("assign: %v", err)
	}

	ids, err := store.RolesOf(ctx, "42", time.Now())
	if err != nil {
		t.Fatalf("roles of: %v", err)
	}
	if len(ids) != 1 || ids[0] != roleID {
		t.Fatalf("expected [%d], got %v", roleID, ids)
	}
	ids, err = store.RolesOf(ctx, "55", time.Now())
	if err != nil {
		t.Fatalf("roles of: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expired membership must be filtered, got %v", ids)
	}

	members, err := store.ListMemberships(ctx, roleID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 memberships, got %d", len(members))
	}

	if err := store.RevokeRole(ctx, "42", roleID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ids, err = store.RolesOf(ctx, "42", time.Now())
	if err != nil {
		t.Fatalf("roles of: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("revoked membership still present: %v", ids)
	}
}

func TestSQLDeleteRoleCascades(t *testing.T) {
	store, _ := newSQLStore(t)
	ctx := context.Background()
	roleID, actionID := seedPair(t, store)
	if _, err := store.AddAuthorization(ctx, roleID, actionID, map[string]string{"doctype": "ATLAS", "categ": "PHYS"}, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AssignRole(ctx, "42", roleID, time.Time{}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if err := store.DeleteRole(ctx, roleID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows, err := store.ActionAuthorizations(ctx, actionID)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("links must cascade, %d left", len(rows))
	}
	ids, err := store.RolesOf(ctx, "42", time.Now())
	if err != nil {
		t.Fatalf("roles of: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("memberships must cascade, %v left", ids)
	}
}

func TestSQLRevisionMovesOnMutation(t *testing.T) {
	store, _ := newSQLStore(t)
	ctx := context.Background()

	before, err := store.Revision(ctx)
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	role := &accessctl.Role{Name: "referees", FireroleSrc: "deny all"}
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatalf("create: %v", err)
	}
	after, err := store.Revision(ctx)
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	if before == after {
		t.Fatalf("a mutation must move the revision token")
	}

	stable, err := store.Revision(ctx)
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	if stable != after {
		t.Fatalf("reads must not move the token")
	}
}

func TestSQLWipe(t *testing.T) {
	store, _ := newSQLStore(t)
	ctx := context.Background()
	roleID, actionID := seedPair(t, store)
	if _, err := store.AddAuthorization(ctx, roleID, actionID, map[string]string{"doctype": "ATLAS", "categ": "PHYS"}, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := store.Wipe(ctx); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	roles, err := store.ListRoles(ctx)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	actions, err := store.ListActions(ctx)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(roles) != 0 || len(actions) != 0 {
		t.Fatalf("wipe must empty the store")
	}
}

func TestSQLEngineEndToEnd(t *testing.T) {
	store, _ := newSQLStore(t)
	engine, err := accessctl.NewEngine(store, accessctl.WithDecisionCacheTTL(0))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx := context.Background()
	if err := engine.ResetDefaultSettings(ctx, nil); err != nil {
		t.Fatalf("reset: %v", err)
	}

	admins, err := store.GetRoleByName(ctx, "archiveadmins")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if err := engine.AssignMembership(ctx, "7", admins.ID, time.Time{}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// the default catalog grants archiveadmins editrecord on every collection
	dec := engine.Authorize(ctx, &accessctl.UserContext{UID: "7"}, "editrecord",
		map[string]string{"collection": "Theses"})
	if !dec.Granted {
		t.Fatalf("wildcard grant must admit any collection: %+v", dec)
	}
	dec = engine.Authorize(ctx, &accessctl.UserContext{UID: "8"}, "editrecord",
		map[string]string{"collection": "Theses"})
	if dec.Granted {
		t.Fatalf("non-member must be denied")
	}
}
