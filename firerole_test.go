package accessctl_test

import (
	"testing"
	"time"

	accessctl "github.com/archivio/accessctl"
)

func date(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCompileEmptySourceFallsBackToDenyAll(t *testing.T) {
	def, err := accessctl.Compile("")
	if err != nil {
		t.Fatalf("compile empty source: %v", err)
	}
	denyAll := accessctl.MustCompile(accessctl.DenyAllSrc)
	if !def.Equal(denyAll) {
		t.Fatalf("empty source should compile to %q", accessctl.DenyAllSrc)
	}
	if def.DefaultAllow {
		t.Fatalf("deny all must not default-allow")
	}
}

func TestCompileAnyTerminatesDefinition(t *testing.T) {
	def, err := accessctl.Compile("allow any\ndeny uid 'alice'")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !def.DefaultAllow {
		t.Fatalf("expected default allow")
	}
	if len(def.Rules) != 0 {
		t.Fatalf("rules after an any line must be unreachable, got %d rules", len(def.Rules))
	}
	// allow all is an alias for allow any
	alias := accessctl.MustCompile("allow all")
	if !def.Equal(alias) {
		t.Fatalf("allow any and allow all should compile identically")
	}
}

func TestCompileIdempotent(t *testing.T) {
	src := "deny uid 'blocked'\nallow group 'staff', /admin.*/\nallow remote_ip '192.168.0.0/16'\ndeny all"
	a := accessctl.MustCompile(src)
	b := accessctl.MustCompile(src)
	if !a.Equal(b) {
		t.Fatalf("compiling the same source twice must produce equal definitions")
	}
	if a.Source != src {
		t.Fatalf("compiled definition must retain its source text")
	}
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		line int
	}{
		{"bare verb", "allow", 1},
		{"second line malformed", "allow any2\ngibberish here", 1},
		{"error on later line", "allow uid 'ok'\ndeny uid unquoted", 2},
		{"reserved field", "allow precached_useremail 'x@y.org'", 1},
		{"bad regex", `allow email /[unclosed/`, 1},
		{"from with not", "allow not from '2020-01-01'", 1},
		{"from with two dates", "allow from '2020-01-01','2021-01-01'", 1},
		{"from with regex", "allow from /2020.*/", 1},
		{"until bad date", "deny until 'tomorrow'", 1},
		{"trailing garbage", "allow uid 'a' trailing", 1},
		{"dangling comma", "allow uid 'a',", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := accessctl.Compile(tc.src)
			if err == nil {
				t.Fatalf("expected compile error for %q", tc.src)
			}
			cerr, ok := err.(*accessctl.CompileError)
			if !ok {
				t.Fatalf("expected *CompileError, got %T: %v", err, err)
			}
			if cerr.Line != tc.line {
				t.Fatalf("expected error on line %d, got %d (%v)", tc.line, cerr.Line, err)
			}
		})
	}
}

func TestCompileStripsCommentsOutsideQuotes(t *testing.T) {
	def, err := accessctl.Compile("# full line comment\nallow uid 'a#b' # trailing\n\ndeny all")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(def.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(def.Rules))
	}
	user := &accessctl.UserContext{UID: "a#b"}
	if !def.Allows(user) {
		t.Fatalf("the # inside quotes must survive comment stripping")
	}
}

func TestFirstMatchWins(t *testing.T) {
	def := accessctl.MustCompile("deny uid 'eve'\nallow any")
	if def.Allows(&accessctl.UserContext{UID: "eve"}) {
		t.Fatalf("first matching rule must decide")
	}
	if !def.Allows(&accessctl.UserContext{UID: "alice"}) {
		t.Fatalf("non-matching user falls through to allow any")
	}
}

func TestLiteralsMatchCaseInsensitively(t *testing.T) {
	def := accessctl.MustCompile("allow email 'Alice@CERN.CH'")
	if !def.Allows(&accessctl.UserContext{Email: "alice@cern.ch"}) {
		t.Fatalf("literal match must ignore case")
	}
}

func TestRegexMatchersAnchorAndIgnoreCase(t *testing.T) {
	def := accessctl.MustCompile(`allow email /.*@cern\.ch/`)
	if !def.Allows(&accessctl.UserContext{Email: "Alice@CERN.ch"}) {
		t.Fatalf("regex must match case-insensitively")
	}
	if def.Allows(&accessctl.UserContext{Email: "alice@cern.ch.evil.org"}) {
		t.Fatalf("regex must be anchored to the whole value")
	}
}

func TestAbsentFieldSkipsRule(t *testing.T) {
	def := accessctl.MustCompile("deny affiliation 'external'\nallow any")
	if !def.Allows(&accessctl.UserContext{UID: "1"}) {
		t.Fatalf("a rule on an absent field must be skipped, not fail")
	}
	user := &accessctl.UserContext{UID: "1", Extra: map[string]string{"affiliation": "external"}}
	if def.Allows(user) {
		t.Fatalf("present field must be matched")
	}
}

func TestGroupNotSemantics(t *testing.T) {
	// `not` on a multi-valued field fires when some group matches none of
	// the listed expressions.
	def := accessctl.MustCompile("allow not group 'a', 'b'")
	if def.Allows(&accessctl.UserContext{UID: "1", Groups: []string{"a"}}) {
		t.Fatalf("every group listed: rule must not fire")
	}
	if def.Allows(&accessctl.UserContext{UID: "1", Groups: []string{"a", "b"}}) {
		t.Fatalf("every group listed: rule must not fire")
	}
	if !def.Allows(&accessctl.UserContext{UID: "1", Groups: []string{"a", "c"}}) {
		t.Fatalf("group c matches no expression: rule must fire")
	}

	deny := accessctl.MustCompile("deny not group 'a'\nallow any")
	if !deny.Allows(&accessctl.UserContext{UID: "1", Groups: []string{"a"}}) {
		t.Fatalf("only listed groups: deny must not fire")
	}
	if deny.Allows(&accessctl.UserContext{UID: "1", Groups: []string{"a", "c"}}) {
		t.Fatalf("unlisted group present: deny must fire")
	}
	// no groups at all: the rule is skipped entirely
	if !deny.Allows(&accessctl.UserContext{UID: "1"}) {
		t.Fatalf("absent group field must skip the rule")
	}
}

func TestRemoteIPCIDR(t *testing.T) {
	def := accessctl.MustCompile("allow remote_ip '10.0.0.0/24'")
	cases := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"10.0.0.254", true},
		{"10.0.1.1", false},
		{"11.0.0.1", false},
		{"not-an-ip", false},
	}
	for _, tc := range cases {
		got := def.Allows(&accessctl.UserContext{UID: "1", RemoteIP: tc.ip})
		if got != tc.want {
			t.Fatalf("remote_ip %s: got %v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestRemoteIPLiteralAndNot(t *testing.T) {
	def := accessctl.MustCompile("allow remote_ip '192.168.1.7'")
	if !def.Allows(&accessctl.UserContext{RemoteIP: "192.168.1.7"}) {
		t.Fatalf("exact literal should match")
	}
	if def.Allows(&accessctl.UserContext{RemoteIP: "192.168.1.8"}) {
		t.Fatalf("different address should not match")
	}

	inverted := accessctl.MustCompile("deny not remote_ip '10.0.0.0/8'\nallow any")
	if !inverted.Allows(&accessctl.UserContext{RemoteIP: "10.1.2.3"}) {
		t.Fatalf("inside the network, deny not must not fire")
	}
	if inverted.Allows(&accessctl.UserContext{RemoteIP: "172.16.0.1"}) {
		t.Fatalf("outside the network, deny not must fire")
	}
}

func TestFromGate(t *testing.T) {
	def := accessctl.MustCompile("allow from '2030-06-01'\nallow any")
	user := &accessctl.UserContext{UID: "1"}
	if def.AllowsAt(user, date("2030-05-31")) {
		t.Fatalf("before the instant an allow-from gate denies")
	}
	if !def.AllowsAt(user, date("2030-06-02")) {
		t.Fatalf("after the instant the gate is pass-through")
	}

	deny := accessctl.MustCompile("deny from '2030-06-01'\nallow any")
	if !deny.AllowsAt(user, date("2030-05-31")) {
		t.Fatalf("deny-from is not yet in force before the instant")
	}
	if deny.AllowsAt(user, date("2030-06-02")) {
		t.Fatalf("deny-from must deny once the instant passes")
	}
}

func TestUntilGate(t *testing.T) {
	def := accessctl.MustCompile("allow until '2030-06-01'\nallow any")
	user := &accessctl.UserContext{UID: "1"}
	if !def.AllowsAt(user, date("2030-05-31")) {
		t.Fatalf("allow-until is pass-through before the instant")
	}
	if def.AllowsAt(user, date("2030-06-02")) {
		t.Fatalf("allow-until denies once the instant passes")
	}

	deny := accessctl.MustCompile("deny until '2030-06-01'\nallow any")
	if deny.AllowsAt(user, date("2030-05-31")) {
		t.Fatalf("deny-until must deny before the instant")
	}
	if !deny.AllowsAt(user, date("2030-06-02")) {
		t.Fatalf("deny-until lapses after the instant")
	}
}

func TestMarshalBinaryRoundTrip(t *testing.T) {
	src := "deny uid 'blocked'\nallow group 'staff', /admin.*/\nallow remote_ip '10.0.0.0/24'\nallow from '2030-01-01'\ndeny all"
	def := accessctl.MustCompile(src)
	blob, err := def.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := accessctl.UnmarshalDefinition(blob)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !def.Equal(decoded) {
		t.Fatalf("round-tripped definition differs from the original")
	}
	if !decoded.AllowsAt(&accessctl.UserContext{UID: "1", RemoteIP: "10.0.0.9"}, date("2030-02-01")) {
		t.Fatalf("decoded definition must evaluate like the original")
	}
}

func TestUnmarshalRejectsCorruptBlobs(t *testing.T) {
	cases := map[string][]byte{
		"empty":     {},
		"bad magic": {0xde, 0xad, 0xbe, 0xef, 1, 0},
		"truncated": func() []byte {
			blob, _ := accessctl.MustCompile("allow uid 'a'").MarshalBinary()
			return blob[:len(blob)-3]
		}(),
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := accessctl.UnmarshalDefinition(blob)
			if err == nil {
				t.Fatalf("expected error")
			}
			if _, ok := err.(*accessctl.CorruptionError); !ok {
				t.Fatalf("expected *CorruptionError, got %T: %v", err, err)
			}
		})
	}
}

func TestLoadDefinitionRepairsFromSource(t *testing.T) {
	src := "allow uid 'alice'"
	def, repaired, err := accessctl.LoadDefinition(src, []byte("garbage"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if repaired == nil {
		t.Fatalf("a bad blob with good source must yield a repaired blob")
	}
	if !def.Equal(accessctl.MustCompile(src)) {
		t.Fatalf("repaired definition must come from the source text")
	}
	decoded, err := accessctl.UnmarshalDefinition(repaired)
	if err != nil {
		t.Fatalf("repaired blob must decode: %v", err)
	}
	if !decoded.Equal(def) {
		t.Fatalf("repaired blob content mismatch")
	}
}

func TestLoadDefinitionFallsBackToDenyAll(t *testing.T) {
	def, _, err := accessctl.LoadDefinition("this does not compile", []byte("garbage"))
	if err == nil {
		t.Fatalf("unusable source and blob must surface an error")
	}
	if _, ok := err.(*accessctl.CorruptionError); !ok {
		t.Fatalf("expected *CorruptionError, got %T", err)
	}
	if def == nil || def.Allows(&accessctl.UserContext{UID: "1"}) {
		t.Fatalf("the fallback must deny everyone")
	}
}

func TestLoadDefinitionPrefersValidBlob(t *testing.T) {
	def := accessctl.MustCompile("allow uid 'alice'")
	blob, _ := def.MarshalBinary()
	loaded, repaired, err := accessctl.LoadDefinition(def.Source, blob)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if repaired != nil {
		t.Fatalf("a valid blob needs no repair")
	}
	if !loaded.Equal(def) {
		t.Fatalf("blob-decoded definition differs")
	}
}

func TestDefinitionBuilder(t *testing.T) {
	def, err := accessctl.NewDefinitionBuilder().
		Deny("uid", "blocked").
		Allow("group", "staff").
		DefaultDeny().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if def.Allows(&accessctl.UserContext{UID: "blocked", Groups: []string{"staff"}}) {
		t.Fatalf("deny rule must take precedence")
	}
	if !def.Allows(&accessctl.UserContext{UID: "ok", Groups: []string{"staff"}}) {
		t.Fatalf("staff group should be allowed")
	}
	if def.Allows(&accessctl.UserContext{UID: "ok"}) {
		t.Fatalf("default deny must apply")
	}
}
