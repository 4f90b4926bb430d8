package accessctl

import "fmt"

// CompileError reports a malformed FireRole definition. It carries the
// offending line so an administrator editing a role can fix the source;
// compilation stops at the first error and no partial definition is produced.
type CompileError struct {
	Line int
	Text string
	Msg  string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("firerole: line %d: %s: %q", e.Line, e.Msg, e.Text)
}

func compileErr(line int, text, format string, args ...any) error {
	return &CompileError{Line: line, Text: text, Msg: fmt.Sprintf(format, args...)}
}

// ValidationError is returned when an authorization-store mutation is
// rejected: unknown keyword, duplicate grant, missing role/action/argument.
// No partial state is committed when one is returned.
type ValidationError struct {
	Op  string
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("accessctl: %s: %s", e.Op, e.Msg)
}

func validationErr(op, format string, args ...any) error {
	return &ValidationError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// CorruptionError means a stored compiled definition failed to deserialize.
// The store layer recovers by recompiling from source; if the source is also
// unusable the definition falls back to deny-all and the error is surfaced
// for operator attention.
type CorruptionError struct {
	Msg string
}

func (e *CorruptionError) Error() string {
	return "accessctl: corrupt definition: " + e.Msg
}

// ConsistencyError reports referential breakage (links pointing at a deleted
// role, action or argument). Cascade deletes make this unreachable in normal
// operation; when observed, the affected links are treated as denying.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string {
	return "accessctl: consistency: " + e.Msg
}
