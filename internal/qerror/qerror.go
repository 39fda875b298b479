// Package qerror defines the error kinds the query engine surfaces to
// callers. Every user-visible failure carries a kind and supporting
// evidence, never internal identifiers or credentials.
package qerror

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a query-engine failure.
type Kind string

const (
	// KindSchemaIncomplete marks metadata gaps absorbed during graph
	// construction. Non-fatal; reported as evidence with a confidence
	// penalty, never returned as a hard error on its own.
	KindSchemaIncomplete Kind = "schema_incomplete"

	// KindUnrecognizedIntent means no candidate cleared the viability floor.
	KindUnrecognizedIntent Kind = "unrecognized_intent"

	// KindAmbiguousIntent is not a failure: two or more candidates scored
	// within the disambiguation margin and are returned for the user to
	// choose from instead of guessing.
	KindAmbiguousIntent Kind = "ambiguous_intent"

	// KindJoinUnreachable means the intent's tables have no connecting path
	// within the hop bound.
	KindJoinUnreachable Kind = "join_unreachable"

	// KindLowConfidence means SQL was generated but withheld from
	// auto-execution.
	KindLowConfidence Kind = "low_confidence"

	// KindExecutionError covers syntax, runtime and connection-loss failures
	// reported by the target database.
	KindExecutionError Kind = "execution_error"

	// KindExecutionTimeout is raised when the per-execution deadline expires.
	KindExecutionTimeout Kind = "execution_timeout"

	// KindExecutionCancelled is raised after a cooperative cancel completes.
	KindExecutionCancelled Kind = "execution_cancelled"

	// KindConnectionUnavailable means no pool connection could be acquired.
	// The only kind eligible for bounded automatic retry.
	KindConnectionUnavailable Kind = "connection_unavailable"

	// KindRejected covers statements refused at the assembler boundary:
	// mutation verbs, unknown identifiers, injection-shaped text.
	KindRejected Kind = "rejected"
)

// Error is the engine's user-visible error type.
type Error struct {
	Kind     Kind     `json:"kind"`
	Message  string   `json:"message"`
	Evidence []string `json:"evidence,omitempty"`
	wrapped  error
}

func (e *Error) Error() string {
	if len(e.Evidence) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(e.Evidence, "; "))
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match two engine errors by kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an engine error of the given kind.
func New(kind Kind, msg string, evidence ...string) *Error {
	return &Error{Kind: kind, Message: msg, Evidence: evidence}
}

// Wrap attaches a kind to an underlying error while keeping it unwrappable.
// The underlying text is deliberately not copied into Message so driver
// errors cannot leak connection details to users.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// KindOf extracts the kind from err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the failure may be retried automatically.
// Logically-wrong SQL is never retried; only pool exhaustion is.
func Retryable(err error) bool {
	return KindOf(err) == KindConnectionUnavailable
}
