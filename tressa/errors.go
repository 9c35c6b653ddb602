package tressa

import (
	"errors"
	"strings"
)

var (
	ErrUnrecognizedInsertionKeyword = errors.New("unrecognized insertion keyword")
	ErrMissingOrdinalOrCalleeSuffix = errors.New("missing ordinal or callee suffix")
	ErrNoInsertionSpec              = errors.New("no insertion spec for assert function")
	ErrTargetFunctionNotFound       = errors.New("target function not found")
	ErrVariableUnresolved           = errors.New("variable unresolved")
	ErrArgumentCountMismatch        = errors.New("argument count mismatch")
	ErrArgumentTypeMismatch         = errors.New("argument type mismatch")
)

// AssertError reports a failure tied to an assert function and, when known, its target.
type AssertError struct {
	// Kind is one of the Err* sentinels.
	Kind error
	// Cause is an optional underlying sentinel, for example ErrVariableUnresolved behind a count mismatch.
	Cause          error
	AssertFunction string
	TargetFunction string
	Detail         string
}

func (e *AssertError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.Error())
	sb.WriteString(": assert function ")
	sb.WriteString(e.AssertFunction)
	if e.TargetFunction != "" {
		sb.WriteString(", target ")
		sb.WriteString(e.TargetFunction)
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

func (e *AssertError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newAssertError(kind error, assertFn, targetFn, detail string) *AssertError {
	return &AssertError{
		Kind:           kind,
		AssertFunction: assertFn,
		TargetFunction: targetFn,
		Detail:         detail,
	}
}

// IsFatal reports if the error aborts the pass under the given mode.
func IsFatal(err error, strict bool) bool {
	if err == nil {
		return false
	} else if errors.Is(err, ErrUnrecognizedInsertionKeyword) {
		return false
	} else if errors.Is(err, ErrArgumentCountMismatch) || errors.Is(err, ErrVariableUnresolved) ||
		errors.Is(err, ErrArgumentTypeMismatch) || errors.Is(err, ErrMissingOrdinalOrCalleeSuffix) {
		return strict
	}
	return true
}
