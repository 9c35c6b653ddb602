package tressa

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// markerKeywords are accepted as the leading token of a marker body.
var markerKeywords = []string{"if", "for", "call", "return", "entry"}

// markerSubstringKeywords are searched in order when the leading token is not a keyword.
var markerSubstringKeywords = []string{"if", "for", "call", "return"}

// ParseOptions controls how recoverable naming problems are handled.
type ParseOptions struct {
	Strict bool
	// ImplicitReturn attaches a before-every-return spec to legacy assert functions that carry no marker.
	ImplicitReturn bool
}

// DisplayName returns the demangled base name (without parameter list) or the raw name if not mangled.
func DisplayName(name string) string {
	if demangled, err := demangle.ToString(name, demangle.NoParams); err == nil {
		return demangled
	}
	return name
}

// ParseAssertFunctions classifies the functions of a module and decodes every assert function found. Recoverable
// problems are returned as diagnostics, the error is set for the first fatal problem.
func ParseAssertFunctions(m Module, conv Conventions, opts ParseOptions) ([]*AssertFunctionDecl, []Diagnostic, error) {
	var decls []*AssertFunctionDecl
	var diags []Diagnostic
	for _, f := range m.Functions() {
		display := DisplayName(f.Name())
		variant, ok := classifyAssertFunction(display, conv)
		if !ok {
			continue
		}
		decl, fnDiags, err := parseAssertFunction(f, display, variant, conv, opts)
		diags = append(diags, fnDiags...)
		if err != nil {
			return decls, diags, err
		}
		decls = append(decls, decl)
	}
	return decls, diags, nil
}

func classifyAssertFunction(display string, conv Conventions) (AssertVariant, bool) {
	switch {
	case strings.HasPrefix(display, conv.ClassPrefix):
		return VariantClass, true
	case strings.HasPrefix(display, conv.FnPrefix):
		return VariantFn, true
	case strings.HasPrefix(display, conv.AssertPrefix):
		return VariantParam, true
	case strings.HasPrefix(display, conv.LocalPrefix):
		return VariantLocal, true
	default:
		return VariantParam, false
	}
}

func parseAssertFunction(f Function, display string, variant AssertVariant, conv Conventions,
	opts ParseOptions) (*AssertFunctionDecl, []Diagnostic, error) {
	decl := &AssertFunctionDecl{
		Name:        f.Name(),
		DisplayName: display,
		Variant:     variant,
		hook:        f,
	}
	var diags []Diagnostic
	warn := func(msg string) {
		d := Diagnostic{Level: LevelWarn, AssertFunction: display, Message: msg}
		log.Println(d.String())
		diags = append(diags, d)
	}

	params := f.Params()
	slots := decl.ReceiverSlots()
	if len(params) < slots {
		return nil, diags, newAssertError(ErrTargetFunctionNotFound, display, "",
			fmt.Sprintf("expected %d leading target parameter(s), found %d", slots, len(params)))
	}
	if variant == VariantClass {
		decl.TargetName = params[0].Name + "::" + params[1].Name
	} else {
		decl.TargetName = params[0].Name
	}
	if decl.TargetName == "" || decl.TargetName == "::" {
		return nil, diags, newAssertError(ErrTargetFunctionNotFound, display, "", "target parameter is unnamed")
	}

	// handleMarker decodes a marker body, fatal is set when processing must abort
	var fatal error
	handleMarker := func(source, body string) {
		spec, err := ParseMarker(body)
		if err != nil {
			aerr := newAssertError(errKind(err), display, decl.TargetName, fmt.Sprintf("marker %q: %v", source, err))
			if IsFatal(aerr, opts.Strict) {
				fatal = aerr
			} else {
				warn("skipping marker " + source + ": " + err.Error())
			}
			return
		}
		spec.Source = source
		decl.Specs = append(decl.Specs, spec)
	}

	decl.Params = make([]AssertParam, len(params))
	for i, p := range params {
		isMarker := i >= slots && strings.HasPrefix(p.Name, conv.MarkerPrefix)
		decl.Params[i] = AssertParam{Name: p.Name, Type: p.Type, Marker: isMarker}
		if i < slots {
			continue
		} else if isMarker {
			handleMarker(p.Name, strings.TrimPrefix(p.Name, conv.MarkerPrefix))
			if fatal != nil {
				return nil, diags, fatal
			}
		} else {
			decl.Required = append(decl.Required, p.Name)
		}
	}

	if !f.Declaration() {
		localPrefix := "_" + display + "_"
		for _, b := range f.Blocks() {
			for _, inst := range b.Insts {
				if inst.Kind != InstAlloc || !strings.HasPrefix(inst.Name, localPrefix) {
					continue
				}
				handleMarker(inst.Name, strings.TrimPrefix(inst.Name, localPrefix))
				if fatal != nil {
					return nil, diags, fatal
				}
			}
		}
	}

	if len(decl.Specs) == 0 {
		if opts.ImplicitReturn && (variant == VariantFn || variant == VariantClass) {
			decl.Specs = []InsertionSpec{{Kind: AtReturn, Nth: EveryOrdinal}}
			decl.ImplicitSpec = true
		} else {
			return nil, diags, newAssertError(ErrNoInsertionSpec, display, decl.TargetName, "")
		}
	} else if variant == VariantClass && len(decl.Specs) > 1 {
		warn(fmt.Sprintf("class assert functions support a single insertion spec, using %s", decl.Specs[0]))
		decl.Specs = decl.Specs[:1]
	}
	return decl, diags, nil
}

func errKind(err error) error {
	if errors.Is(err, ErrUnrecognizedInsertionKeyword) {
		return ErrUnrecognizedInsertionKeyword
	}
	return ErrMissingOrdinalOrCalleeSuffix
}

// ParseMarker decodes a marker body such as "if_2", "call_printf" or "return_0" into an InsertionSpec.
func ParseMarker(body string) (InsertionSpec, error) {
	var keyword string
	var keywordEnd int
	if token, _, _ := strings.Cut(body, "_"); slices.Contains(markerKeywords, token) {
		keyword, keywordEnd = token, len(token)
	} else {
		for _, k := range markerSubstringKeywords {
			if i := strings.Index(body, k); i >= 0 {
				keyword, keywordEnd = k, i+len(k)
				break
			}
		}
	}
	if keyword == "" {
		return InsertionSpec{}, ErrUnrecognizedInsertionKeyword
	}

	var suffix string
	var hasSuffix bool
	if i := strings.LastIndexByte(body, '_'); i >= keywordEnd {
		suffix, hasSuffix = body[i+1:], true
	}

	switch keyword {
	case "if", "for":
		n, err := parseOrdinal(suffix)
		if err != nil {
			return InsertionSpec{}, err
		}
		return InsertionSpec{Kind: AtConditionalEnd, Construct: ConstructKind(keyword), Nth: n}, nil
	case "call":
		if suffix == "" {
			return InsertionSpec{}, fmt.Errorf("%w: call requires a callee name", ErrMissingOrdinalOrCalleeSuffix)
		}
		return InsertionSpec{Kind: AtCall, Callee: suffix}, nil
	case "return":
		if !hasSuffix {
			return InsertionSpec{Kind: AtReturn}, nil
		}
		n, err := parseOrdinal(suffix)
		if err != nil {
			return InsertionSpec{}, err
		}
		return InsertionSpec{Kind: AtReturn, Nth: n}, nil
	default: // entry
		return InsertionSpec{Kind: AtEntry}, nil
	}
}

func parseOrdinal(suffix string) (int, error) {
	if suffix == "" {
		return 0, fmt.Errorf("%w: ordinal required", ErrMissingOrdinalOrCalleeSuffix)
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: invalid ordinal %q", ErrMissingOrdinalOrCalleeSuffix, suffix)
		}
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid ordinal %q", ErrMissingOrdinalOrCalleeSuffix, suffix)
	}
	return n, nil
}
