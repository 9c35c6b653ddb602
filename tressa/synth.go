package tressa

import (
	"fmt"
	"strings"
)

// SynthesizeCall decides the argument list of a call to the assert function hook. The sentinel slot always receives
// the configured sentinel, bound variables are loaded into fresh temporaries, and marker parameters receive the
// sentinel. The receiver is only used by class assert functions. Unresolved variables are skipped, the resulting
// count mismatch is returned as an *AssertError which callers treat as fatal only in strict mode.
func SynthesizeCall(decl *AssertFunctionDecl, target string, binding VariableBinding, receiver *StorageRef,
	conv Conventions, strict bool) (CallPlan, []Diagnostic, error) {
	plan := CallPlan{Hook: decl.Name, Args: make([]CallArg, 0, len(decl.Params))}
	var diags []Diagnostic
	var unresolved []string
	sentinelSlot := decl.ReceiverSlots() - 1
	for i, p := range decl.Params {
		if decl.Variant == VariantClass && i == 0 {
			if receiver == nil {
				unresolved = append(unresolved, "this")
				continue
			}
			plan.Args = append(plan.Args, CallArg{Kind: ArgValue, Param: p.Name, Storage: *receiver})
			continue
		} else if i == sentinelSlot {
			plan.Args = append(plan.Args, CallArg{Kind: ArgSentinel, Param: p.Name, Value: conv.Sentinel})
			continue
		}

		if ref, ok := binding.Lookup(p.Name); ok {
			if ref.Kind == StorageSlot {
				plan.Args = append(plan.Args, CallArg{
					Kind:     ArgLoad,
					Param:    p.Name,
					Storage:  ref,
					TempName: conv.TempPrefix + p.Name,
				})
			} else {
				plan.Args = append(plan.Args, CallArg{Kind: ArgValue, Param: p.Name, Storage: ref})
			}
		} else if p.Marker {
			plan.Args = append(plan.Args, CallArg{Kind: ArgSentinel, Param: p.Name, Value: conv.Sentinel})
		} else {
			unresolved = append(unresolved, p.Name)
			if !strict {
				diags = append(diags, Diagnostic{
					Level:          LevelWarn,
					AssertFunction: decl.DisplayName,
					TargetFunction: target,
					Message:        fmt.Sprintf("%v: %s, slot skipped", ErrVariableUnresolved, p.Name),
				})
			}
		}
	}

	if len(plan.Args) != len(decl.Params) {
		aerr := newAssertError(ErrArgumentCountMismatch, decl.DisplayName, target,
			fmt.Sprintf("hook declares %d parameters, %d materialized", len(decl.Params), len(plan.Args)))
		if len(unresolved) > 0 {
			aerr.Cause = ErrVariableUnresolved
			aerr.Detail += " (unresolved: " + strings.Join(unresolved, ", ") + ")"
		}
		return plan, diags, aerr
	}
	return plan, diags, nil
}
