package tressa

import (
	"strings"

	"github.com/go-analyze/bulk"
)

// ResolveVariables binds each required variable name to its canonical storage inside the target function.
// Argument shadow slots (<arg>.addr) are seen through, so the argument name binds to its slot. Names that stay
// unbound are simply absent from the returned binding.
func ResolveVariables(target Function, required []string, conv Conventions) VariableBinding {
	binding := make(VariableBinding, len(required))
	if len(required) == 0 {
		return binding
	}
	requiredSet := bulk.SliceToSet(required)
	params := target.Params()
	argNames := make(map[string]bool, len(params))
	for _, p := range params {
		if p.Name != "" {
			argNames[p.Name] = true
		}
	}

	shadowBound := make(map[string]bool)
	for _, b := range target.Blocks() {
		for _, inst := range b.Insts {
			if inst.Kind != InstAlloc || inst.Name == "" {
				continue
			}
			logical := inst.Name
			var shadow bool
			if stripped, ok := strings.CutSuffix(inst.Name, conv.ShadowSuffix); ok && argNames[stripped] {
				logical, shadow = stripped, true
			}
			if _, ok := requiredSet[logical]; !ok {
				continue
			}
			// an argument shadow slot wins over an ordinary local of the same name, otherwise first slot wins
			if _, bound := binding[logical]; bound && (!shadow || shadowBound[logical]) {
				continue
			}
			binding[logical] = StorageRef{Name: inst.Name, Kind: StorageSlot, Handle: inst.Handle}
			if shadow {
				shadowBound[logical] = true
			}
		}
	}

	// arguments without any slot (optimized IR) bind to the argument value itself
	for _, p := range params {
		if _, ok := requiredSet[p.Name]; !ok {
			continue
		} else if _, bound := binding[p.Name]; !bound {
			binding[p.Name] = StorageRef{Name: p.Name, Kind: StorageArgument, Handle: p.Handle}
		}
	}
	return binding
}

// entryBinding rebinds argument shadow slots to the argument values. At function entry the arguments have not yet
// been spilled, so loading a shadow slot there would read an uninitialized value.
func entryBinding(target Function, binding VariableBinding, conv Conventions) VariableBinding {
	entry := make(VariableBinding, len(binding))
	for name, ref := range binding {
		entry[name] = ref
	}
	for _, p := range target.Params() {
		ref, ok := binding[p.Name]
		if ok && ref.Kind == StorageSlot && ref.Name == p.Name+conv.ShadowSuffix {
			entry[p.Name] = StorageRef{Name: p.Name, Kind: StorageArgument, Handle: p.Handle}
		}
	}
	return entry
}
