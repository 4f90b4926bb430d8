package accessctl

import "strings"

// DefinitionBuilder assembles FireRole source programmatically. Build
// compiles the generated source, so the text form remains the source of
// truth exactly as for hand-written definitions.
type DefinitionBuilder struct {
	lines []string
}

func NewDefinitionBuilder() *DefinitionBuilder { return &DefinitionBuilder{} }

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, ",")
}

func regexAll(patterns []string) string {
	wrapped := make([]string, len(patterns))
	for i, p := range patterns {
		wrapped[i] = "/" + p + "/"
	}
	return strings.Join(wrapped, ",")
}

func (b *DefinitionBuilder) rule(verdict, not, field, exprs string) *DefinitionBuilder {
	b.lines = append(b.lines, strings.TrimSpace(verdict+" "+not+" "+field+" "+exprs))
	return b
}

func (b *DefinitionBuilder) Allow(field string, values ...string) *DefinitionBuilder {
	return b.rule("allow", "", field, quoteAll(values))
}

func (b *DefinitionBuilder) Deny(field string, values ...string) *DefinitionBuilder {
	return b.rule("deny", "", field, quoteAll(values))
}

func (b *DefinitionBuilder) AllowNot(field string, values ...string) *DefinitionBuilder {
	return b.rule("allow", "not", field, quoteAll(values))
}

func (b *DefinitionBuilder) DenyNot(field string, values ...string) *DefinitionBuilder {
	return b.rule("deny", "not", field, quoteAll(values))
}

func (b *DefinitionBuilder) AllowRegex(field string, patterns ...string) *DefinitionBuilder {
	return b.rule("allow", "", field, regexAll(patterns))
}

func (b *DefinitionBuilder) DenyRegex(field string, patterns ...string) *DefinitionBuilder {
	return b.rule("deny", "", field, regexAll(patterns))
}

// AllowFrom gates the definition on a start date (YYYY-MM-DD).
func (b *DefinitionBuilder) AllowFrom(date string) *DefinitionBuilder {
	return b.rule("allow", "", "from", "'"+date+"'")
}

// AllowUntil gates the definition on an end date (YYYY-MM-DD).
func (b *DefinitionBuilder) AllowUntil(date string) *DefinitionBuilder {
	return b.rule("allow", "", "until", "'"+date+"'")
}

// DefaultAllow ends the definition with an allow-everyone default.
func (b *DefinitionBuilder) DefaultAllow() *DefinitionBuilder {
	b.lines = append(b.lines, "allow any")
	return b
}

// DefaultDeny ends the definition with a deny-everyone default.
func (b *DefinitionBuilder) DefaultDeny() *DefinitionBuilder {
	b.lines = append(b.lines, "deny any")
	return b
}

// Source returns the generated FireRole source text.
func (b *DefinitionBuilder) Source() string {
	return strings.Join(b.lines, "\n")
}

// Build compiles the generated source.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	return Compile(b.Source())
}
