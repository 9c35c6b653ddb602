package tressa

import (
	"strconv"
	"strings"
)

// InsertionKind identifies the structural event an insertion spec targets.
type InsertionKind uint8

const (
	AtEntry InsertionKind = iota
	AtReturn
	AtCall
	AtConditionalEnd
)

// EveryOrdinal matches every occurrence of a return event.
const EveryOrdinal = -1

// InsertionSpec is a decoded insertion location.
type InsertionSpec struct {
	Kind InsertionKind `msgpack:"k"`
	// Nth is the zero-based ordinal for AtReturn and AtConditionalEnd.
	Nth int `msgpack:"n"`
	// Callee is the call target name for AtCall.
	Callee string `msgpack:"c,omitempty"`
	// Construct is the construct for AtConditionalEnd.
	Construct ConstructKind `msgpack:"x,omitempty"`
	// Source is the parameter or local name the insertion spec was decoded from, empty when implied.
	Source string `msgpack:"s,omitempty"`
}

func (s InsertionSpec) String() string {
	switch s.Kind {
	case AtEntry:
		return "entry"
	case AtReturn:
		if s.Nth == EveryOrdinal {
			return "return(*)"
		}
		return "return(" + strconv.Itoa(s.Nth) + ")"
	case AtCall:
		return "call(" + s.Callee + ")"
	case AtConditionalEnd:
		return string(s.Construct) + ".end(" + strconv.Itoa(s.Nth) + ")"
	default:
		return "unknown"
	}
}

// AssertVariant is the naming convention an assert function was recognized by.
type AssertVariant uint8

const (
	// VariantParam uses parameter name markers, the first parameter names the target.
	VariantParam AssertVariant = iota
	// VariantLocal uses local variable markers, the first parameter names the target.
	VariantLocal
	// VariantFn is the legacy class-less variant.
	VariantFn
	// VariantClass targets a class method named by the first two parameters.
	VariantClass
)

func (v AssertVariant) String() string {
	switch v {
	case VariantParam:
		return "param"
	case VariantLocal:
		return "local"
	case VariantFn:
		return "fn"
	case VariantClass:
		return "class"
	default:
		return "unknown"
	}
}

// AssertParam is a declared assert function parameter.
type AssertParam struct {
	Name string
	Type string
	// Marker is set when the parameter encodes an insertion point.
	Marker bool
}

// AssertFunctionDecl is a parsed assert function. It is not modified after parsing.
type AssertFunctionDecl struct {
	// Name is the raw IR symbol name, unique within the module.
	Name string
	// DisplayName is the demangled base name.
	DisplayName string
	Variant     AssertVariant
	Params      []AssertParam
	// TargetName is the target function name, for the class variant in Type::method form.
	TargetName string
	Specs      []InsertionSpec
	// Required lists the required variable names in declared order.
	Required []string
	// ImplicitSpec is set when the specs were implied rather than decoded from markers.
	ImplicitSpec bool

	hook Function
}

// Hook returns the IR function calls are inserted to.
func (d *AssertFunctionDecl) Hook() Function {
	return d.hook
}

// ReceiverSlots returns how many leading hook parameters are filled before required variables.
func (d *AssertFunctionDecl) ReceiverSlots() int {
	if d.Variant == VariantClass {
		return 2
	}
	return 1
}

// VariableBinding maps logical variable names to canonical storage in a target function.
type VariableBinding map[string]StorageRef

// Lookup returns the storage bound to the name.
func (b VariableBinding) Lookup(name string) (StorageRef, bool) {
	ref, ok := b[name]
	return ref, ok
}

// InsertedCall records one call placed into a target function.
type InsertedCall struct {
	AssertFunction string        `msgpack:"af" json:"assert_function"`
	TargetFunction string        `msgpack:"tf" json:"target_function"`
	Spec           InsertionSpec `msgpack:"sp" json:"-"`
	SpecText       string        `msgpack:"st" json:"spec"`
	Block          string        `msgpack:"b" json:"block"`
	Anchor         string        `msgpack:"an" json:"anchor"`
	Args           []string      `msgpack:"ar" json:"args"`
}

// DiagnosticLevel classifies a diagnostic line.
type DiagnosticLevel string

const (
	LevelInfo  DiagnosticLevel = "info"
	LevelWarn  DiagnosticLevel = "warn"
	LevelError DiagnosticLevel = "error"
)

// Diagnostic is a single reported event of a pass.
type Diagnostic struct {
	Level          DiagnosticLevel `msgpack:"l" json:"level"`
	AssertFunction string          `msgpack:"af" json:"assert_function,omitempty"`
	TargetFunction string          `msgpack:"tf" json:"target_function,omitempty"`
	Message        string          `msgpack:"m" json:"message"`
}

func (d Diagnostic) String() string {
	var sb strings.Builder
	if d.Level == LevelWarn {
		sb.WriteString("WARN: ")
	} else if d.Level == LevelError {
		sb.WriteString(ErrorLogPrefix)
	}
	if d.AssertFunction != "" {
		sb.WriteString(d.AssertFunction)
		if d.TargetFunction != "" {
			sb.WriteString(" -> ")
			sb.WriteString(d.TargetFunction)
		}
		sb.WriteString(": ")
	}
	sb.WriteString(d.Message)
	return sb.String()
}

// ModuleReport summarizes the instrumentation of one module.
type ModuleReport struct {
	Module          string         `msgpack:"m" json:"module"`
	AssertFunctions []string       `msgpack:"af" json:"assert_functions"`
	Insertions      []InsertedCall `msgpack:"in" json:"insertions"`
	Skipped         int            `msgpack:"sk" json:"skipped"`
	Diagnostics     []Diagnostic   `msgpack:"d" json:"diagnostics"`
	Cached          bool           `msgpack:"-" json:"cached"`
}

// InsertionCounts returns the insertion count per assert function.
func (r *ModuleReport) InsertionCounts() map[string]int {
	counts := make(map[string]int, len(r.AssertFunctions))
	for _, name := range r.AssertFunctions {
		counts[name] = 0
	}
	for _, ic := range r.Insertions {
		counts[ic.AssertFunction]++
	}
	return counts
}
