package tressa

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
)

// Pass inserts calls to the assert functions of a module into their target functions.
type Pass struct {
	Conventions Conventions
	// Strict aborts on unresolved variables, invalid suffixes, and argument count or type mismatches instead of skipping.
	Strict bool
	// ImplicitReturn attaches a before-every-return spec to legacy assert functions without markers.
	ImplicitReturn bool
}

// NewPass returns a strict pass using the default conventions.
func NewPass() *Pass {
	return &Pass{
		Conventions:    DefaultConventions(),
		Strict:         true,
		ImplicitReturn: true,
	}
}

type plannedInsertion struct {
	decl   *AssertFunctionDecl
	target Function
	spec   InsertionSpec
	anchor Anchor
	plan   CallPlan
}

// Run instruments the module in place. Every assert function is planned against an unmodified snapshot of its target
// before any call is inserted, so a fatal error leaves the module untouched. The returned report is never nil.
func (p *Pass) Run(m Module) (*ModuleReport, error) {
	report := &ModuleReport{Module: m.Name()}
	decls, diags, err := ParseAssertFunctions(m, p.Conventions, ParseOptions{
		Strict:         p.Strict,
		ImplicitReturn: p.ImplicitReturn,
	})
	report.Diagnostics = append(report.Diagnostics, diags...)
	if err != nil {
		return report, report.fail(err)
	} else if len(decls) == 0 {
		report.add(Diagnostic{Level: LevelInfo, Message: "no assert functions found in " + m.Name()})
		return report, nil
	}

	index := newFunctionIndex(m)
	var planned []plannedInsertion
	for _, decl := range decls {
		report.AssertFunctions = append(report.AssertFunctions, decl.DisplayName)
		declPlans, err := p.planAssertFunction(report, index, decl)
		if err != nil {
			return report, report.fail(err)
		}
		planned = append(planned, declPlans...)
	}

	for _, pi := range planned {
		inserted, err := pi.target.InsertCall(pi.anchor.Inst, pi.plan)
		if err != nil {
			return report, report.fail(fmt.Errorf("insert call to %s in %s failed: %w",
				pi.decl.DisplayName, pi.target.Name(), err))
		}
		args := make([]string, len(pi.plan.Args))
		for i, a := range pi.plan.Args {
			args[i] = a.String()
		}
		report.Insertions = append(report.Insertions, InsertedCall{
			AssertFunction: pi.decl.DisplayName,
			TargetFunction: DisplayName(pi.target.Name()),
			Spec:           pi.spec,
			SpecText:       pi.spec.String(),
			Block:          pi.anchor.Block,
			Anchor:         pi.anchor.Inst.Text,
			Args:           args,
		})
		report.add(Diagnostic{
			Level:          LevelInfo,
			AssertFunction: pi.decl.DisplayName,
			TargetFunction: DisplayName(pi.target.Name()),
			Message: fmt.Sprintf("inserted %s at %s before %q in block %s",
				strings.TrimSpace(inserted.Text), pi.spec, pi.anchor.Inst.Text, pi.anchor.Block),
		})
	}
	return report, nil
}

func (p *Pass) planAssertFunction(report *ModuleReport, index functionIndex,
	decl *AssertFunctionDecl) ([]plannedInsertion, error) {
	target, err := index.findTarget(decl)
	if err != nil {
		return nil, err
	}
	targetName := DisplayName(target.Name())
	report.add(Diagnostic{
		Level:          LevelInfo,
		AssertFunction: decl.DisplayName,
		TargetFunction: targetName,
		Message:        fmt.Sprintf("processing %s assert function, specs %v", decl.Variant, decl.Specs),
	})

	blocks := target.Blocks() // stable snapshot, insertions happen after all planning
	var anchorSets [][]Anchor
	var anchorCount int
	for _, spec := range decl.Specs {
		anchors := LocateInsertionPoints(blocks, spec, p.Conventions)
		if len(anchors) == 0 {
			report.add(Diagnostic{
				Level:          LevelWarn,
				AssertFunction: decl.DisplayName,
				TargetFunction: targetName,
				Message:        "no insertion point matched " + spec.String(),
			})
		}
		anchorSets = append(anchorSets, anchors)
		anchorCount += len(anchors)
	}
	if anchorCount == 0 {
		return nil, nil
	}

	binding := ResolveVariables(target, decl.Required, p.Conventions)
	var receiver *StorageRef
	if decl.Variant == VariantClass {
		this := target.Params()[0] // validated by findTarget
		receiver = &StorageRef{Name: this.Name, Kind: StorageArgument, Handle: this.Handle}
	}
	plan, diags, err := SynthesizeCall(decl, targetName, binding, receiver, p.Conventions, p.Strict)
	for _, d := range diags {
		report.add(d)
	}
	if err == nil {
		err = checkCall(target, decl, targetName, plan)
	}
	var entryPlan CallPlan
	var entryPlanned bool
	if err == nil && slices.ContainsFunc(decl.Specs, func(s InsertionSpec) bool { return s.Kind == AtEntry }) {
		entryPlan, _, err = SynthesizeCall(decl, targetName, entryBinding(target, binding, p.Conventions),
			receiver, p.Conventions, p.Strict)
		if err == nil {
			err = checkCall(target, decl, targetName, entryPlan)
		}
		entryPlanned = err == nil
	}
	if err != nil {
		if IsFatal(err, p.Strict) {
			return nil, err
		}
		report.Skipped += anchorCount
		report.add(Diagnostic{
			Level:          LevelWarn,
			AssertFunction: decl.DisplayName,
			TargetFunction: targetName,
			Message:        fmt.Sprintf("skipping %d insertion(s): %v", anchorCount, err),
		})
		return nil, nil
	}

	planned := make([]plannedInsertion, 0, anchorCount)
	for i, anchors := range anchorSets {
		specPlan := plan
		if entryPlanned && decl.Specs[i].Kind == AtEntry {
			specPlan = entryPlan
		}
		for _, a := range anchors {
			planned = append(planned, plannedInsertion{
				decl:   decl,
				target: target,
				spec:   decl.Specs[i],
				anchor: a,
				plan:   specPlan,
			})
		}
	}
	return planned, nil
}

// checkCall validates the plan against the hook declaration when the target supports it, so a call that could not be
// materialized is rejected before the module changes.
func checkCall(target Function, decl *AssertFunctionDecl, targetName string, plan CallPlan) error {
	checker, ok := target.(CallChecker)
	if !ok {
		return nil
	}
	err := checker.CheckCall(plan)
	if err == nil || !errors.Is(err, ErrArgumentTypeMismatch) {
		return err
	}
	return newAssertError(ErrArgumentTypeMismatch, decl.DisplayName, targetName,
		strings.TrimPrefix(err.Error(), ErrArgumentTypeMismatch.Error()+": "))
}

// add records the diagnostic and writes it to the log.
func (r *ModuleReport) add(d Diagnostic) {
	log.Println(d.String())
	r.Diagnostics = append(r.Diagnostics, d)
}

// fail records a fatal error as a diagnostic and returns it.
func (r *ModuleReport) fail(err error) error {
	d := Diagnostic{Level: LevelError, Message: err.Error()}
	var aerr *AssertError
	if errors.As(err, &aerr) {
		d.AssertFunction = aerr.AssertFunction
		d.TargetFunction = aerr.TargetFunction
		d.Message = aerr.Kind.Error()
		if aerr.Detail != "" {
			d.Message += ": " + aerr.Detail
		}
	}
	r.add(d)
	return err
}

// functionIndex finds defined functions by raw or demangled name.
type functionIndex struct {
	raw     map[string]Function
	display map[string]Function
}

func newFunctionIndex(m Module) functionIndex {
	index := functionIndex{
		raw:     make(map[string]Function),
		display: make(map[string]Function),
	}
	for _, f := range m.Functions() {
		if f.Declaration() {
			continue
		}
		index.raw[f.Name()] = f
		if display := DisplayName(f.Name()); display != f.Name() {
			if _, ok := index.display[display]; !ok { // first overload wins
				index.display[display] = f
			}
		}
	}
	return index
}

func (ix functionIndex) lookup(name string) (Function, bool) {
	if f, ok := ix.raw[name]; ok {
		return f, true
	}
	f, ok := ix.display[name]
	return f, ok
}

func (ix functionIndex) findTarget(decl *AssertFunctionDecl) (Function, error) {
	target, ok := ix.lookup(decl.TargetName)
	if !ok {
		return nil, newAssertError(ErrTargetFunctionNotFound, decl.DisplayName, decl.TargetName, "")
	} else if target.Name() == decl.Name {
		return nil, newAssertError(ErrTargetFunctionNotFound, decl.DisplayName, decl.TargetName,
			"assert function cannot target itself")
	}
	if decl.Variant == VariantClass {
		params := target.Params()
		typeName := decl.Params[0].Name
		if len(params) == 0 || params[0].Name != "this" {
			return nil, newAssertError(ErrTargetFunctionNotFound, decl.DisplayName, decl.TargetName,
				"method has no this receiver")
		} else if t := params[0].Type; t != "%class."+typeName+"*" && t != "%struct."+typeName+"*" {
			return nil, newAssertError(ErrTargetFunctionNotFound, decl.DisplayName, decl.TargetName,
				fmt.Sprintf("receiver type %s does not match %s", t, typeName))
		}
	}
	return target, nil
}
