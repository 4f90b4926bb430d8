package accessctl

import (
	"sort"
	"strconv"
)

// OptionalValue is the cell reported for every keyword of an
// optional-arguments wildcard grant.
const OptionalValue = "optional value"

// Product lazily enumerates the Cartesian product of per-keyword candidate
// values, in keyword order with values sorted. It is finite and restartable,
// independent of any storage concern.
type Product struct {
	keywords []string
	values   [][]string
	idx      []int
	done     bool
}

// NewProduct builds a product over the given ordered keywords. Keywords with
// no candidates make the product empty.
func NewProduct(keywords []string, candidates map[string][]string) *Product {
	p := &Product{
		keywords: keywords,
		values:   make([][]string, len(keywords)),
		idx:      make([]int, len(keywords)),
	}
	for i, kw := range keywords {
		vals := append([]string(nil), candidates[kw]...)
		sort.Strings(vals)
		p.values[i] = vals
		if len(vals) == 0 {
			p.done = true
		}
	}
	if len(keywords) == 0 {
		p.done = true
	}
	return p
}

// Next yields the next tuple, one value per keyword, or false when exhausted.
func (p *Product) Next() ([]string, bool) {
	if p.done {
		return nil, false
	}
	tuple := make([]string, len(p.keywords))
	for i := range p.keywords {
		tuple[i] = p.values[i][p.idx[i]]
	}
	for i := len(p.idx) - 1; i >= 0; i-- {
		p.idx[i]++
		if p.idx[i] < len(p.values[i]) {
			return tuple, true
		}
		p.idx[i] = 0
		if i == 0 {
			p.done = true
		}
	}
	return tuple, true
}

// Reset rewinds the product to its first tuple.
func (p *Product) Reset() {
	for i := range p.idx {
		p.idx[i] = 0
	}
	p.done = false
	for _, vals := range p.values {
		if len(vals) == 0 {
			p.done = true
		}
	}
	if len(p.keywords) == 0 {
		p.done = true
	}
}

// groupCandidates collects, per group id, the candidate values seen for each
// keyword, together with the argument ids the group links.
type groupCandidates struct {
	values map[string][]string
	argIDs map[int64]struct{}
}

func collectGroups(rows []AuthorizationRow) (map[int]*groupCandidates, []int) {
	groups := make(map[int]*groupCandidates)
	for _, row := range rows {
		g, ok := groups[row.GroupID]
		if !ok {
			g = &groupCandidates{
				values: make(map[string][]string),
				argIDs: make(map[int64]struct{}),
			}
			groups[row.GroupID] = g
		}
		if row.ArgumentID != 0 {
			if _, seen := g.argIDs[row.ArgumentID]; !seen {
				g.argIDs[row.ArgumentID] = struct{}{}
				g.values[row.Keyword] = append(g.values[row.Keyword], row.Value)
			}
		}
	}
	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return groups, ids
}

// BuildActionTable reconstructs every admissible keyword combination a role
// holds for an action from the flat link rows. The first row is the header
// ["#", keywords...]; each following row carries the group id in the "#"
// column. Within a group the values expand as a Cartesian product; distinct
// groups are alternative combinations (a union). The optional-arguments
// sentinel short-circuits to a single "optional value" row.
func BuildActionTable(action *Action, rows []AuthorizationRow) [][]string {
	header := append([]string{"#"}, action.Keywords...)
	table := [][]string{header}

	groups, ids := collectGroups(rows)
	for _, id := range ids {
		if id == GroupOptional {
			row := make([]string, 0, len(header))
			row = append(row, strconv.Itoa(GroupOptional))
			for range action.Keywords {
				row = append(row, OptionalValue)
			}
			return append([][]string{header}, row)
		}
	}

	body := make([][]string, 0, len(ids))
	for _, id := range ids {
		if id == GroupNoArguments {
			body = append(body, []string{strconv.Itoa(GroupNoArguments)})
			continue
		}
		product := NewProduct(action.Keywords, groups[id].values)
		for tuple, ok := product.Next(); ok; tuple, ok = product.Next() {
			body = append(body, append([]string{strconv.Itoa(id)}, tuple...))
		}
	}
	sortTableBody(body)
	return append(table, body...)
}

func sortTableBody(body [][]string) {
	sort.Slice(body, func(i, j int) bool {
		a, b := body[i], body[j]
		ga, _ := strconv.Atoi(a[0])
		gb, _ := strconv.Atoi(b[0])
		if ga != gb {
			return ga < gb
		}
		for k := 1; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
}

// valuesMatch implements the wildcard contract: a mismatch exists only when
// both sides are concrete and different.
func valuesMatch(stored, requested string) bool {
	return stored == Wildcard || requested == Wildcard || stored == requested
}

// groupMatches reports whether one argument group admits the requested
// binding. Every requested keyword must find a compatible candidate in the
// group; keywords the request leaves unbound constrain nothing.
func groupMatches(g *groupCandidates, kwargs map[string]string) bool {
	for kw, want := range kwargs {
		candidates, ok := g.values[kw]
		if !ok {
			return false
		}
		found := false
		for _, stored := range candidates {
			if valuesMatch(stored, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// PossibleRoles returns the ids of every role that holds a grant admitting
// the requested binding: a no-argument grant, the optional-arguments
// wildcard, or a matching argument group.
func PossibleRoles(rows []AuthorizationRow, kwargs map[string]string) map[int64]struct{} {
	byRole := make(map[int64][]AuthorizationRow)
	for _, row := range rows {
		byRole[row.RoleID] = append(byRole[row.RoleID], row)
	}
	out := make(map[int64]struct{}, len(byRole))
	for roleID, roleRows := range byRole {
		groups, ids := collectGroups(roleRows)
		for _, id := range ids {
			if id == GroupNoArguments || id == GroupOptional || groupMatches(groups[id], kwargs) {
				out[roleID] = struct{}{}
				break
			}
		}
	}
	return out
}

// PossibleRolesBatch evaluates many bindings against one action's rows in a
// single pass over the link table.
func PossibleRolesBatch(rows []AuthorizationRow, bindings []map[string]string) []map[int64]struct{} {
	byRole := make(map[int64][]AuthorizationRow)
	for _, row := range rows {
		byRole[row.RoleID] = append(byRole[row.RoleID], row)
	}
	type roleGroups struct {
		roleID int64
		groups map[int]*groupCandidates
		ids    []int
	}
	prepared := make([]roleGroups, 0, len(byRole))
	for roleID, roleRows := range byRole {
		groups, ids := collectGroups(roleRows)
		prepared = append(prepared, roleGroups{roleID: roleID, groups: groups, ids: ids})
	}

	out := make([]map[int64]struct{}, len(bindings))
	for i, kwargs := range bindings {
		set := make(map[int64]struct{})
		for _, rg := range prepared {
			for _, id := range rg.ids {
				if id == GroupNoArguments || id == GroupOptional || groupMatches(rg.groups[id], kwargs) {
					set[rg.roleID] = struct{}{}
					break
				}
			}
		}
		out[i] = set
	}
	return out
}

// GroupSignature is the set of argument ids forming one group, used to
// reject duplicate grants.
func GroupSignature(rows []AuthorizationRow, groupID int) map[int64]struct{} {
	sig := make(map[int64]struct{})
	for _, row := range rows {
		if row.GroupID == groupID && row.ArgumentID != 0 {
			sig[row.ArgumentID] = struct{}{}
		}
	}
	return sig
}

// SameSignature reports set equality of two group signatures.
func SameSignature(a, b map[int64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

// NextGroupID returns the next free positive group id for a (role, action)
// pair, max+1 over the existing rows.
func NextGroupID(rows []AuthorizationRow) int {
	next := 1
	for _, row := range rows {
		if row.GroupID >= next {
			next = row.GroupID + 1
		}
	}
	return next
}

// GroupCombinations lists the concrete argument-id tuples a group represents,
// expanding its per-keyword candidates as a Cartesian product. Used by the
// group-atomic delete, split and merge operations to re-insert remainders as
// fresh groups.
func GroupCombinations(rows []AuthorizationRow, groupID int) [][]int64 {
	type cand struct {
		value string
		id    int64
	}
	perKeyword := make(map[string][]cand)
	keywords := make([]string, 0, 4)
	for _, row := range rows {
		if row.GroupID != groupID || row.ArgumentID == 0 {
			continue
		}
		if _, ok := perKeyword[row.Keyword]; !ok {
			keywords = append(keywords, row.Keyword)
		}
		perKeyword[row.Keyword] = append(perKeyword[row.Keyword], cand{value: row.Value, id: row.ArgumentID})
	}
	sort.Strings(keywords)
	for _, kw := range keywords {
		sort.Slice(perKeyword[kw], func(i, j int) bool { return perKeyword[kw][i].value < perKeyword[kw][j].value })
	}

	combos := [][]int64{{}}
	for _, kw := range keywords {
		next := make([][]int64, 0, len(combos)*len(perKeyword[kw]))
		for _, combo := range combos {
			for _, c := range perKeyword[kw] {
				next = append(next, append(append([]int64(nil), combo...), c.id))
			}
		}
		combos = next
	}
	if len(keywords) == 0 {
		return nil
	}
	return combos
}
