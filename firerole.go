package accessctl

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"regexp"
	"strings"
	"time"
)

// FireRole is a firewall-like, line-oriented language for expressing
// attribute-based role membership. Each non-blank, non-comment line is either
//
//	allow|deny any
//
// which fixes the default verdict and ends the definition, or
//
//	allow|deny [not] <field> <expr>[, <expr> ...]
//
// where every <expr> is a single-quoted string, a double-quoted string or a
// /regex/. Rules are evaluated top to bottom; the first rule that matches
// decides. A trailing # comment outside quotes is stripped.
//
// Fields `from` and `until` take exactly one YYYY-MM-DD literal and combine
// with neither `not` nor further expressions. For `remote_ip` a literal
// containing a slash is an IP/CIDR pair.

// DenyAllSrc is the built-in definition substituted for empty source text.
const DenyAllSrc = "deny all"

// reservedFieldPrefix protects internally derived pseudo-fields from being
// referenced (and therefore spoofed) by rule authors.
const reservedFieldPrefix = "precached"

type fieldKind uint8

const (
	fieldScalar fieldKind = iota
	fieldGroup
	fieldRemoteIP
	fieldFrom
	fieldUntil
)

type matcherKind uint8

const (
	matchLiteral matcherKind = iota
	matchRegexp
	matchCIDR
	matchInstant
)

// Matcher is one compiled value expression of a rule.
type Matcher struct {
	kind    matcherKind
	literal string // lowercased literal
	pattern string // regex source, without the (?i) prefix
	re      *regexp.Regexp
	network uint32 // CIDR network, host byte order
	mask    uint32 // CIDR mask
	instant time.Time
}

// Rule is one compiled FireRole line.
type Rule struct {
	Allow    bool
	Not      bool
	Field    string // normalized field name ("group" covers the "groups" alias)
	kind     fieldKind
	Matchers []Matcher
}

// Definition is a compiled FireRole rule set. Immutable once compiled; the
// source text remains the source of truth and the compiled form is always
// re-derivable from it.
type Definition struct {
	DefaultAllow bool
	Rules        []Rule
	Source       string
}

var (
	anyRuleRe = regexp.MustCompile(`(?i)^(allow|deny)\s+(?:any|all)$`)
	ruleRe    = regexp.MustCompile(`(?i)^(allow|deny)\s+(not\s+)?([a-z_][a-z0-9_]*)\s+(.*)$`)
	dateLitRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	// one quoted-or-regex expression, optionally followed by a comma
	exprScanRe = regexp.MustCompile(`^\s*(?:'([^']*)'|"([^"]*)"|/([^/]*)/)\s*(,?)`)
)

// Compile parses FireRole source into a Definition. Empty source compiles as
// DenyAllSrc. The first malformed line aborts compilation with a
// *CompileError; there is no partial result.
func Compile(src string) (*Definition, error) {
	text := src
	if strings.TrimSpace(text) == "" {
		text = DenyAllSrc
	}

	def := &Definition{Source: src}
	for lineNo, raw := range strings.Split(text, "\n") {
		line := stripComment(raw)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if m := anyRuleRe.FindStringSubmatch(line); m != nil {
			def.DefaultAllow = strings.EqualFold(m[1], "allow")
			// everything after an any/all line is unreachable
			return def, nil
		}

		m := ruleRe.FindStringSubmatch(line)
		if m == nil {
			return nil, compileErr(lineNo+1, raw, "no rule matches the line")
		}
		rule := Rule{
			Allow: strings.EqualFold(m[1], "allow"),
			Not:   m[2] != "",
			Field: strings.ToLower(m[3]),
		}
		if strings.HasPrefix(rule.Field, reservedFieldPrefix) {
			return nil, compileErr(lineNo+1, raw, "reserved field name %q", rule.Field)
		}
		switch rule.Field {
		case "group", "groups":
			rule.Field = "group"
			rule.kind = fieldGroup
		case "remote_ip":
			rule.kind = fieldRemoteIP
		case "from":
			rule.kind = fieldFrom
		case "until":
			rule.kind = fieldUntil
		default:
			rule.kind = fieldScalar
		}

		if err := parseExpressions(&rule, m[4], lineNo+1, raw); err != nil {
			return nil, err
		}
		def.Rules = append(def.Rules, rule)
	}
	return def, nil
}

// MustCompile is Compile for statically known sources.
func MustCompile(src string) *Definition {
	d, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return d
}

func parseExpressions(rule *Rule, exprs string, lineNo int, raw string) error {
	rest := exprs
	for {
		idx := exprScanRe.FindStringSubmatchIndex(rest)
		if idx == nil {
			return compileErr(lineNo, raw, "malformed expression near %q", strings.TrimSpace(rest))
		}
		var lit string
		isRegex := false
		switch {
		case idx[2] >= 0:
			lit = rest[idx[2]:idx[3]]
		case idx[4] >= 0:
			lit = rest[idx[4]:idx[5]]
		default:
			lit = rest[idx[6]:idx[7]]
			isRegex = true
		}

		m, err := compileMatcher(rule, lit, isRegex, lineNo, raw)
		if err != nil {
			return err
		}
		rule.Matchers = append(rule.Matchers, m)

		comma := rest[idx[8]:idx[9]] == ","
		rest = rest[idx[1]:]
		if !comma {
			if strings.TrimSpace(rest) != "" {
				return compileErr(lineNo, raw, "trailing input %q", strings.TrimSpace(rest))
			}
			break
		}
	}

	if rule.kind == fieldFrom || rule.kind == fieldUntil {
		if rule.Not {
			return compileErr(lineNo, raw, "%q does not combine with not", rule.Field)
		}
		if len(rule.Matchers) != 1 {
			return compileErr(lineNo, raw, "%q takes exactly one date", rule.Field)
		}
	}
	return nil
}

func compileMatcher(rule *Rule, lit string, isRegex bool, lineNo int, raw string) (Matcher, error) {
	if rule.kind == fieldFrom || rule.kind == fieldUntil {
		if isRegex {
			return Matcher{}, compileErr(lineNo, raw, "%q takes a date literal, not a regex", rule.Field)
		}
		if !dateLitRe.MatchString(lit) {
			return Matcher{}, compileErr(lineNo, raw, "bad date %q, want YYYY-MM-DD", lit)
		}
		t, err := time.ParseInLocation("2006-01-02", lit, time.UTC)
		if err != nil {
			return Matcher{}, compileErr(lineNo, raw, "bad date %q: %v", lit, err)
		}
		return Matcher{kind: matchInstant, instant: t}, nil
	}

	if isRegex {
		re, err := regexp.Compile("(?i)^(?:" + lit + ")$")
		if err != nil {
			return Matcher{}, compileErr(lineNo, raw, "bad regex /%s/: %v", lit, err)
		}
		return Matcher{kind: matchRegexp, pattern: lit, re: re}, nil
	}

	if rule.kind == fieldRemoteIP && strings.Contains(lit, "/") {
		network, mask, err := parseCIDR(lit)
		if err != nil {
			return Matcher{}, compileErr(lineNo, raw, "bad CIDR %q: %v", lit, err)
		}
		return Matcher{kind: matchCIDR, network: network, mask: mask}, nil
	}

	return Matcher{kind: matchLiteral, literal: strings.ToLower(lit)}, nil
}

func parseCIDR(s string) (network, mask uint32, err error) {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return 0, 0, err
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil || len(ipnet.Mask) != 4 {
		return 0, 0, &CompileError{Msg: "only IPv4 networks are supported"}
	}
	network = binary.BigEndian.Uint32(ip4)
	mask = binary.BigEndian.Uint32(ipnet.Mask)
	return network & mask, mask, nil
}

// stripComment removes a trailing # comment, honoring quote and regex
// delimiters so a # inside an expression survives.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"' || ch == '/':
			quote = ch
		case ch == '#':
			return line[:i]
		}
	}
	return line
}

// Equal reports structural equality of two compiled definitions.
func (d *Definition) Equal(o *Definition) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.DefaultAllow != o.DefaultAllow || len(d.Rules) != len(o.Rules) {
		return false
	}
	for i := range d.Rules {
		a, b := &d.Rules[i], &o.Rules[i]
		if a.Allow != b.Allow || a.Not != b.Not || a.Field != b.Field ||
			a.kind != b.kind || len(a.Matchers) != len(b.Matchers) {
			return false
		}
		for j := range a.Matchers {
			am, bm := &a.Matchers[j], &b.Matchers[j]
			if am.kind != bm.kind || am.literal != bm.literal || am.pattern != bm.pattern ||
				am.network != bm.network || am.mask != bm.mask || !am.instant.Equal(bm.instant) {
				return false
			}
		}
	}
	return true
}

// Binary blob format: magic + version header, then length-prefixed rules.
// The blob is a cache of the compiled form; decoding failures are recoverable
// by recompiling the stored source.
const (
	blobMagic   = 0x46524F4C // "FROL"
	blobVersion = 1
)

// MarshalBinary serializes the compiled definition (without its source text,
// which is persisted separately and verbatim).
func (d *Definition) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, uint32(blobMagic))
	binary.Write(buf, binary.LittleEndian, uint16(blobVersion))
	writeBool(buf, d.DefaultAllow)
	binary.Write(buf, binary.LittleEndian, uint16(len(d.Rules)))
	for i := range d.Rules {
		r := &d.Rules[i]
		writeBool(buf, r.Allow)
		writeBool(buf, r.Not)
		buf.WriteByte(byte(r.kind))
		writeStr(buf, r.Field)
		binary.Write(buf, binary.LittleEndian, uint16(len(r.Matchers)))
		for j := range r.Matchers {
			m := &r.Matchers[j]
			buf.WriteByte(byte(m.kind))
			switch m.kind {
			case matchLiteral:
				writeStr(buf, m.literal)
			case matchRegexp:
				writeStr(buf, m.pattern)
			case matchCIDR:
				binary.Write(buf, binary.LittleEndian, m.network)
				binary.Write(buf, binary.LittleEndian, m.mask)
			case matchInstant:
				binary.Write(buf, binary.LittleEndian, m.instant.Unix())
			}
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalDefinition decodes a serialized definition. Any structural problem
// is reported as a *CorruptionError so the caller can fall back to
// recompiling the source.
func UnmarshalDefinition(data []byte) (*Definition, error) {
	r := bytes.NewReader(data)
	var magic uint32
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, &CorruptionError{Msg: "short blob"}
	}
	if magic != blobMagic {
		return nil, &CorruptionError{Msg: "bad magic"}
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil || version != blobVersion {
		return nil, &CorruptionError{Msg: "unsupported blob version"}
	}

	def := &Definition{}
	var ok bool
	if def.DefaultAllow, ok = readBool(r); !ok {
		return nil, &CorruptionError{Msg: "truncated header"}
	}
	var ruleCount uint16
	if err := binary.Read(r, binary.LittleEndian, &ruleCount); err != nil {
		return nil, &CorruptionError{Msg: "truncated rule count"}
	}
	def.Rules = make([]Rule, 0, ruleCount)
	for i := 0; i < int(ruleCount); i++ {
		var rule Rule
		if rule.Allow, ok = readBool(r); !ok {
			return nil, &CorruptionError{Msg: "truncated rule"}
		}
		if rule.Not, ok = readBool(r); !ok {
			return nil, &CorruptionError{Msg: "truncated rule"}
		}
		kindByte, err := r.ReadByte()
		if err != nil || kindByte > byte(fieldUntil) {
			return nil, &CorruptionError{Msg: "bad field kind"}
		}
		rule.kind = fieldKind(kindByte)
		if rule.Field, ok = readStr(r); !ok {
			return nil, &CorruptionError{Msg: "truncated field name"}
		}
		var matcherCount uint16
		if err := binary.Read(r, binary.LittleEndian, &matcherCount); err != nil {
			return nil, &CorruptionError{Msg: "truncated matcher count"}
		}
		rule.Matchers = make([]Matcher, 0, matcherCount)
		for j := 0; j < int(matcherCount); j++ {
			m, err := readMatcher(r)
			if err != nil {
				return nil, err
			}
			rule.Matchers = append(rule.Matchers, m)
		}
		def.Rules = append(def.Rules, rule)
	}
	return def, nil
}

func readMatcher(r *bytes.Reader) (Matcher, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return Matcher{}, &CorruptionError{Msg: "truncated matcher"}
	}
	m := Matcher{kind: matcherKind(kindByte)}
	switch m.kind {
	case matchLiteral:
		var ok bool
		if m.literal, ok = readStr(r); !ok {
			return Matcher{}, &CorruptionError{Msg: "truncated literal"}
		}
	case matchRegexp:
		pattern, ok := readStr(r)
		if !ok {
			return Matcher{}, &CorruptionError{Msg: "truncated regex"}
		}
		re, err := regexp.Compile("(?i)^(?:" + pattern + ")$")
		if err != nil {
			return Matcher{}, &CorruptionError{Msg: "stored regex no longer compiles: " + pattern}
		}
		m.pattern, m.re = pattern, re
	case matchCIDR:
		if err := binary.Read(r, binary.LittleEndian, &m.network); err != nil {
			return Matcher{}, &CorruptionError{Msg: "truncated CIDR"}
		}
		if err := binary.Read(r, binary.LittleEndian, &m.mask); err != nil {
			return Matcher{}, &CorruptionError{Msg: "truncated CIDR"}
		}
	case matchInstant:
		var unix int64
		if err := binary.Read(r, binary.LittleEndian, &unix); err != nil {
			return Matcher{}, &CorruptionError{Msg: "truncated instant"}
		}
		m.instant = time.Unix(unix, 0).UTC()
	default:
		return Matcher{}, &CorruptionError{Msg: "bad matcher kind"}
	}
	return m, nil
}

// LoadDefinition resolves the persisted (source, blob) pair to a usable
// definition. When the blob fails to decode it is repaired from source and
// the re-serialized blob is returned for the store to persist. When the
// source cannot compile either, the deny-all fallback is returned together
// with a *CorruptionError for operator attention.
func LoadDefinition(src string, blob []byte) (def *Definition, repaired []byte, err error) {
	if len(blob) > 0 {
		if d, derr := UnmarshalDefinition(blob); derr == nil {
			d.Source = src
			return d, nil, nil
		}
	}
	if d, cerr := Compile(src); cerr == nil {
		b, _ := d.MarshalBinary()
		return d, b, nil
	}
	fallback := MustCompile(DenyAllSrc)
	fallback.Source = src
	b, _ := fallback.MarshalBinary()
	return fallback, b, &CorruptionError{Msg: "blob undecodable and source does not compile"}
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, bool) {
	b, err := r.ReadByte()
	if err != nil {
		return false, false
	}
	return b == 1, true
}

func writeStr(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readStr(r *bytes.Reader) (string, bool) {
	var l uint16
	if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
		return "", false
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", false
	}
	return string(b), true
}
