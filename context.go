package accessctl

// UserContext is the attribute bag supplied by the caller for each decision.
// Well-known fields have typed slots; anything else goes through Extra and is
// addressable from FireRole rules by field name. A field the context does not
// carry makes the rule referencing it a no-op (skipped), never an error.
type UserContext struct {
	UID      string
	Email    string
	RemoteIP string
	Groups   []string
	Extra    map[string]string
}

// Lookup resolves a FireRole field name to the attribute values it should be
// matched against. The second result is false when the field is absent from
// this context, which tells the evaluator to skip the rule.
func (u *UserContext) Lookup(field string) ([]string, bool) {
	if u == nil {
		return nil, false
	}
	switch field {
	case "group", "groups":
		if len(u.Groups) == 0 {
			return nil, false
		}
		return u.Groups, true
	case "email":
		if u.Email == "" {
			return nil, false
		}
		return []string{u.Email}, true
	case "remote_ip":
		if u.RemoteIP == "" {
			return nil, false
		}
		return []string{u.RemoteIP}, true
	case "uid", "id":
		if u.UID == "" {
			return nil, false
		}
		return []string{u.UID}, true
	}
	if v, ok := u.Extra[field]; ok {
		return []string{v}, true
	}
	return nil, false
}
