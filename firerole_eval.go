package accessctl

import (
	"encoding/binary"
	"net"
	"strings"
	"time"
)

// Allows evaluates the definition against a user context at the current time.
// Rules are scanned in source order and the first matching rule decides; when
// none matches the default verdict applies. Evaluation is pure and safe for
// concurrent use.
func (d *Definition) Allows(user *UserContext) bool {
	return d.AllowsAt(user, time.Now())
}

// AllowsAt is Allows with an explicit evaluation instant, used by the date
// gates (`from`/`until`) and by tests.
func (d *Definition) AllowsAt(user *UserContext, now time.Time) bool {
	if d == nil {
		return false
	}
	for i := range d.Rules {
		rule := &d.Rules[i]
		switch rule.kind {
		case fieldFrom:
			// gate: before the instant an allow-rule denies outright and a
			// deny-rule is not yet in force; after it the rule is pass-through
			// for allow and a hard deny otherwise
			if now.Before(rule.Matchers[0].instant) {
				if rule.Allow {
					return false
				}
				continue
			}
			if rule.Allow {
				continue
			}
			return false
		case fieldUntil:
			if !now.After(rule.Matchers[0].instant) {
				if rule.Allow {
					continue
				}
				return false
			}
			if rule.Allow {
				return false
			}
			continue
		case fieldGroup:
			groups, ok := user.Lookup("group")
			if !ok {
				continue
			}
			if rule.Not {
				// fires when the user carries a group that matches none of
				// the listed expressions; every matcher must be checked
				// before a group counts as unmatched
				for _, g := range groups {
					if !anyMatcherMatches(rule.Matchers, g) {
						return rule.Allow
					}
				}
				continue
			}
			for _, g := range groups {
				if anyMatcherMatches(rule.Matchers, g) {
					return rule.Allow
				}
			}
		case fieldRemoteIP:
			values, ok := user.Lookup("remote_ip")
			if !ok {
				continue
			}
			if matched := matchRemoteIP(rule.Matchers, values[0]); matched != rule.Not {
				return rule.Allow
			}
		default:
			values, ok := user.Lookup(rule.Field)
			if !ok {
				continue
			}
			if rule.Not {
				for _, v := range values {
					if !anyMatcherMatches(rule.Matchers, v) {
						return rule.Allow
					}
				}
				continue
			}
			for _, v := range values {
				if anyMatcherMatches(rule.Matchers, v) {
					return rule.Allow
				}
			}
		}
	}
	return d.DefaultAllow
}

func anyMatcherMatches(matchers []Matcher, value string) bool {
	for i := range matchers {
		if matchers[i].matchString(value) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchString(value string) bool {
	switch m.kind {
	case matchLiteral:
		return strings.ToLower(value) == m.literal
	case matchRegexp:
		return m.re.MatchString(value)
	default:
		return false
	}
}

func matchRemoteIP(matchers []Matcher, addr string) bool {
	var ipv4 uint32
	var haveIP bool
	if ip := net.ParseIP(addr); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			ipv4 = binary.BigEndian.Uint32(ip4)
			haveIP = true
		}
	}
	for i := range matchers {
		m := &matchers[i]
		if m.kind == matchCIDR {
			if haveIP && ipv4&m.mask == m.network {
				return true
			}
			continue
		}
		if m.matchString(addr) {
			return true
		}
	}
	return false
}
