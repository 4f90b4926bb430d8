package accessctl_test

import (
	"reflect"
	"testing"

	accessctl "github.com/archivio/accessctl"
)

func TestProductEnumeratesInOrder(t *testing.T) {
	p := accessctl.NewProduct([]string{"doctype", "categ"}, map[string][]string{
		"doctype": {"CMS", "ATLAS"},
		"categ":   {"PHYS"},
	})
	var got [][]string
	for tuple, ok := p.Next(); ok; tuple, ok = p.Next() {
		got = append(got, tuple)
	}
	want := [][]string{{"ATLAS", "PHYS"}, {"CMS", "PHYS"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	p.Reset()
	first, ok := p.Next()
	if !ok || !reflect.DeepEqual(first, want[0]) {
		t.Fatalf("after Reset expected %v, got %v (%v)", want[0], first, ok)
	}
}

func TestProductEmptyWhenKeywordHasNoCandidates(t *testing.T) {
	p := accessctl.NewProduct([]string{"a", "b"}, map[string][]string{"a": {"x"}})
	if tuple, ok := p.Next(); ok {
		t.Fatalf("expected empty product, got %v", tuple)
	}
}

func rows(entries ...accessctl.AuthorizationRow) []accessctl.AuthorizationRow {
	return entries
}

func link(roleID, argID int64, kw, value string, groupID int) accessctl.AuthorizationRow {
	return accessctl.AuthorizationRow{
		RoleID: roleID, ActionID: 1,
		ArgumentID: argID, Keyword: kw, Value: value,
		GroupID: groupID,
	}
}

func TestBuildActionTable(t *testing.T) {
	action := &accessctl.Action{ID: 1, Name: "submit", Keywords: []string{"doctype", "categ"}}
	table := accessctl.BuildActionTable(action, rows(
		link(7, 1, "doctype", "ATLAS", 1),
		link(7, 2, "categ", "PHYS", 1),
		link(7, 3, "categ", "GEN", 1),
		link(7, 0, "", "", accessctl.GroupNoArguments),
	))
	want := [][]string{
		{"#", "doctype", "categ"},
		{"0"},
		{"1", "ATLAS", "GEN"},
		{"1", "ATLAS", "PHYS"},
	}
	if !reflect.DeepEqual(table, want) {
		t.Fatalf("got %v, want %v", table, want)
	}
}

func TestBuildActionTableOptionalSentinel(t *testing.T) {
	action := &accessctl.Action{ID: 1, Name: "viewrestrdoc", Keywords: []string{"status"}, Optional: true}
	table := accessctl.BuildActionTable(action, rows(
		link(7, 1, "status", "draft", 1),
		link(7, 0, "", "", accessctl.GroupOptional),
	))
	want := [][]string{
		{"#", "status"},
		{"-1", accessctl.OptionalValue},
	}
	if !reflect.DeepEqual(table, want) {
		t.Fatalf("the optional sentinel must short-circuit the table, got %v", table)
	}
}

func TestPossibleRoles(t *testing.T) {
	all := rows(
		link(7, 1, "doctype", "ATLAS", 1),
		link(7, 2, "categ", "PHYS", 1),
		link(8, 3, "doctype", "CMS", 1),
		link(9, 0, "", "", accessctl.GroupNoArguments),
	)

	got := accessctl.PossibleRoles(all, map[string]string{"doctype": "ATLAS", "categ": "PHYS"})
	if _, ok := got[7]; !ok {
		t.Fatalf("role 7 holds a matching group")
	}
	if _, ok := got[8]; ok {
		t.Fatalf("role 8 grants CMS only")
	}
	if _, ok := got[9]; !ok {
		t.Fatalf("a no-argument grant admits every binding")
	}

	// an unbound keyword constrains nothing
	got = accessctl.PossibleRoles(all, map[string]string{"doctype": "CMS"})
	if _, ok := got[8]; !ok {
		t.Fatalf("partial binding should admit role 8")
	}
}

func TestPossibleRolesWildcard(t *testing.T) {
	stored := rows(link(7, 1, "collection", accessctl.Wildcard, 1))
	if got := accessctl.PossibleRoles(stored, map[string]string{"collection": "Theses"}); len(got) != 1 {
		t.Fatalf("a stored wildcard must admit any value, got %v", got)
	}

	concrete := rows(link(7, 1, "collection", "Theses", 1))
	if got := accessctl.PossibleRoles(concrete, map[string]string{"collection": accessctl.Wildcard}); len(got) != 1 {
		t.Fatalf("a requested wildcard must be admitted by any value, got %v", got)
	}
	if got := accessctl.PossibleRoles(concrete, map[string]string{"collection": "Reports"}); len(got) != 0 {
		t.Fatalf("two different concrete values must not match, got %v", got)
	}
}

func TestPossibleRolesBatch(t *testing.T) {
	all := rows(
		link(7, 1, "doctype", "ATLAS", 1),
		link(8, 2, "doctype", "CMS", 1),
	)
	sets := accessctl.PossibleRolesBatch(all, []map[string]string{
		{"doctype": "ATLAS"},
		{"doctype": "CMS"},
		{"doctype": "LHCB"},
	})
	if len(sets) != 3 {
		t.Fatalf("expected one set per binding, got %d", len(sets))
	}
	if _, ok := sets[0][7]; !ok {
		t.Fatalf("binding 0 should admit role 7")
	}
	if _, ok := sets[1][8]; !ok {
		t.Fatalf("binding 1 should admit role 8")
	}
	if len(sets[2]) != 0 {
		t.Fatalf("binding 2 should admit nobody, got %v", sets[2])
	}
}

func TestGroupCombinations(t *testing.T) {
	all := rows(
		link(7, 1, "doctype", "ATLAS", 1),
		link(7, 2, "doctype", "CMS", 1),
		link(7, 3, "categ", "PHYS", 1),
	)
	combos := accessctl.GroupCombinations(all, 1)
	// keywords sorted: categ before doctype
	want := [][]int64{{3, 1}, {3, 2}}
	if !reflect.DeepEqual(combos, want) {
		t.Fatalf("got %v, want %v", combos, want)
	}

	sentinel := rows(link(7, 0, "", "", accessctl.GroupNoArguments))
	if combos := accessctl.GroupCombinations(sentinel, accessctl.GroupNoArguments); combos != nil {
		t.Fatalf("sentinel groups expand to no combinations, got %v", combos)
	}
}

func TestGroupSignatures(t *testing.T) {
	all := rows(
		link(7, 1, "doctype", "ATLAS", 1),
		link(7, 2, "categ", "PHYS", 1),
		link(7, 3, "doctype", "CMS", 2),
	)
	a := accessctl.GroupSignature(all, 1)
	b := accessctl.GroupSignature(all, 2)
	if accessctl.SameSignature(a, b) {
		t.Fatalf("distinct groups must have distinct signatures")
	}
	if !accessctl.SameSignature(a, accessctl.GroupSignature(all, 1)) {
		t.Fatalf("a signature must equal itself")
	}
	if got := accessctl.NextGroupID(all); got != 3 {
		t.Fatalf("next group id should be max+1, got %d", got)
	}
	if got := accessctl.NextGroupID(nil); got != 1 {
		t.Fatalf("group ids start at 1, got %d", got)
	}
}
