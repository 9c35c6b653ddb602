package tressa

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

var (
	// ErrAnchorNotFound is returned when an insertion anchor is no longer part of its function.
	ErrAnchorNotFound = errors.New("anchor instruction not found")
	// ErrOpaquePointerIR is returned for IR using opaque ptr types, only typed pointer IR (LLVM 16 and older) parses.
	ErrOpaquePointerIR = errors.New("opaque pointer IR is not supported, emit typed pointers (LLVM 16 or older)")
)

var opaquePtrPattern = regexp.MustCompile(`(^|[\s(,\[{])ptr([\s,)\]}*]|$)`)

// LLVMModule adapts an llir/llvm module to the Module interface.
type LLVMModule struct {
	name   string
	m      *ir.Module
	funcs  []Function
	byName map[string]*llvmFunction
}

// ParseLLVM parses textual LLVM IR, name is used in diagnostics.
func ParseLLVM(name string, src []byte) (*LLVMModule, error) {
	m, err := asm.ParseBytes(name, src)
	if err != nil {
		if opaquePtrPattern.Match(src) {
			return nil, fmt.Errorf("parse IR %s failed: %w: %w", name, ErrOpaquePointerIR, err)
		}
		return nil, fmt.Errorf("parse IR %s failed: %w", name, err)
	}
	return NewLLVMModule(name, m), nil
}

// NewLLVMModule wraps an already parsed or constructed module.
func NewLLVMModule(name string, m *ir.Module) *LLVMModule {
	lm := &LLVMModule{
		name:   name,
		m:      m,
		funcs:  make([]Function, 0, len(m.Funcs)),
		byName: make(map[string]*llvmFunction, len(m.Funcs)),
	}
	for _, f := range m.Funcs {
		lf := &llvmFunction{mod: lm, f: f}
		lm.funcs = append(lm.funcs, lf)
		lm.byName[f.Name()] = lf
	}
	return lm
}

func (lm *LLVMModule) Name() string {
	return lm.name
}

func (lm *LLVMModule) Functions() []Function {
	return lm.funcs
}

// IR returns the underlying llir module.
func (lm *LLVMModule) IR() *ir.Module {
	return lm.m
}

// Render prints the module as textual LLVM IR.
func (lm *LLVMModule) Render() string {
	return lm.m.String()
}

type llvmFunction struct {
	mod *LLVMModule
	f   *ir.Func
}

func (lf *llvmFunction) Name() string {
	return lf.f.Name()
}

func (lf *llvmFunction) Params() []Param {
	params := make([]Param, len(lf.f.Params))
	for i, p := range lf.f.Params {
		params[i] = Param{Name: p.LocalName, Type: p.Typ.LLString(), Handle: p}
	}
	return params
}

func (lf *llvmFunction) Declaration() bool {
	return len(lf.f.Blocks) == 0
}

func (lf *llvmFunction) Blocks() []Block {
	blocks := make([]Block, len(lf.f.Blocks))
	for i, b := range lf.f.Blocks {
		insts := make([]Inst, 0, len(b.Insts)+1)
		for _, inst := range b.Insts {
			insts = append(insts, snapshotInst(inst))
		}
		if b.Term != nil {
			insts = append(insts, snapshotTerm(b.Term))
		}
		blocks[i] = Block{Label: b.Name(), Insts: insts}
	}
	return blocks
}

func snapshotInst(inst ir.Instruction) Inst {
	out := Inst{Kind: InstOther, Text: inst.LLString(), Handle: inst}
	switch inst := inst.(type) {
	case *ir.InstAlloca:
		out.Kind = InstAlloc
		out.Name = inst.LocalName
	case *ir.InstLoad:
		out.Kind = InstLoad
		out.Name = inst.LocalName
		out.Ptr = valueName(inst.Src)
	case *ir.InstStore:
		out.Kind = InstStore
		out.Ptr = valueName(inst.Dst)
	case *ir.InstCall:
		out.Kind = InstCall
		out.Name = inst.LocalName
		out.Callee = calleeName(inst.Callee)
	}
	return out
}

func snapshotTerm(term ir.Terminator) Inst {
	out := Inst{Kind: InstOther, Text: term.LLString(), Handle: term}
	switch term.(type) {
	case *ir.TermRet:
		out.Kind = InstReturn
	case *ir.TermBr, *ir.TermCondBr:
		out.Kind = InstBranch
	}
	for _, succ := range term.Succs() {
		out.Succs = append(out.Succs, succ.Name())
	}
	return out
}

func valueName(v value.Value) string {
	if named, ok := v.(value.Named); ok {
		return named.Name()
	}
	return ""
}

func calleeName(v value.Value) string {
	switch c := v.(type) {
	case *ir.Func:
		return c.Name()
	case *constant.ExprBitCast:
		return calleeName(c.From)
	case value.Named:
		return c.Name()
	default:
		return ""
	}
}

// InsertCall materializes loads, casts, and the hook call immediately before the anchor. An anchor at a phi is moved
// past the leading phi run, and an anchor preceding the allocation of a loaded slot is moved past that allocation.
func (lf *llvmFunction) InsertCall(anchor Inst, plan CallPlan) (Inst, error) {
	hook, ok := lf.mod.byName[plan.Hook]
	if !ok {
		return Inst{}, fmt.Errorf("hook function %s not in module", plan.Hook)
	}
	hookParams := hook.f.Params
	if len(plan.Args) != len(hookParams) {
		return Inst{}, fmt.Errorf("%w: hook %s declares %d parameters, plan has %d",
			ErrArgumentCountMismatch, plan.Hook, len(hookParams), len(plan.Args))
	}

	block, idx := lf.findAnchor(anchor)
	if block == nil {
		return Inst{}, fmt.Errorf("%w: %s", ErrAnchorNotFound, anchor.Text)
	}
	for idx < len(block.Insts) {
		if _, phi := block.Insts[idx].(*ir.InstPhi); !phi {
			break
		}
		idx++
	}

	usedNames := lf.localNames()
	uniqueName := func(base string) string {
		name := base
		for i := 1; usedNames[name]; i++ {
			name = base + "." + strconv.Itoa(i)
		}
		usedNames[name] = true
		return name
	}

	newInsts := make([]ir.Instruction, 0, len(plan.Args)+1)
	args := make([]value.Value, len(plan.Args))
	for i, a := range plan.Args {
		paramType := hookParams[i].Typ
		var v value.Value
		switch a.Kind {
		case ArgSentinel:
			intType, ok := paramType.(*types.IntType)
			if !ok {
				return Inst{}, fmt.Errorf("%w: parameter %s is %s, sentinel must be an integer",
					ErrArgumentTypeMismatch, a.Param, paramType.LLString())
			}
			args[i] = constant.NewInt(intType, a.Value)
			continue
		case ArgLoad:
			slot, ok := a.Storage.Handle.(*ir.InstAlloca)
			if !ok {
				return Inst{}, fmt.Errorf("storage %s is not an allocation", a.Storage.Name)
			}
			if defIdx := slices.IndexFunc(block.Insts, func(inst ir.Instruction) bool {
				return inst == ir.Instruction(slot)
			}); defIdx >= idx {
				idx = defIdx + 1
			}
			load := ir.NewLoad(slot.ElemType, slot)
			load.SetName(uniqueName(a.TempName))
			newInsts = append(newInsts, load)
			v = load
		case ArgValue:
			var ok bool
			if v, ok = a.Storage.Handle.(value.Value); !ok {
				return Inst{}, fmt.Errorf("storage %s is not a value", a.Storage.Name)
			}
		default:
			return Inst{}, fmt.Errorf("unknown argument kind %d for %s", a.Kind, a.Param)
		}
		converted, conv := convertArg(v, paramType)
		if conv == nil && converted == nil {
			return Inst{}, fmt.Errorf("%w: parameter %s is %s, value is %s",
				ErrArgumentTypeMismatch, a.Param, paramType.LLString(), v.Type().LLString())
		} else if conv != nil {
			conv.(value.Named).SetName(uniqueName("tressa.cast"))
			newInsts = append(newInsts, conv)
		}
		args[i] = converted
	}

	call := ir.NewCall(hook.f, args...)
	if _, void := call.Type().(*types.VoidType); !void {
		call.SetName(uniqueName("tressa.ret"))
	}
	newInsts = append(newInsts, call)
	block.Insts = slices.Insert(block.Insts, idx, newInsts...)
	return snapshotInst(call), nil
}

// CheckCall verifies every planned argument can be passed as the hook parameter it is bound to.
func (lf *llvmFunction) CheckCall(plan CallPlan) error {
	hook, ok := lf.mod.byName[plan.Hook]
	if !ok {
		return fmt.Errorf("hook function %s not in module", plan.Hook)
	} else if len(plan.Args) != len(hook.f.Params) {
		return fmt.Errorf("%w: hook %s declares %d parameters, plan has %d",
			ErrArgumentCountMismatch, plan.Hook, len(hook.f.Params), len(plan.Args))
	}
	for i, a := range plan.Args {
		paramType := hook.f.Params[i].Typ
		var argType types.Type
		switch a.Kind {
		case ArgSentinel:
			if _, ok := paramType.(*types.IntType); !ok {
				return fmt.Errorf("%w: parameter %s is %s, sentinel must be an integer",
					ErrArgumentTypeMismatch, a.Param, paramType.LLString())
			}
			continue
		case ArgLoad:
			slot, ok := a.Storage.Handle.(*ir.InstAlloca)
			if !ok {
				return fmt.Errorf("storage %s is not an allocation", a.Storage.Name)
			}
			argType = slot.ElemType
		case ArgValue:
			v, ok := a.Storage.Handle.(value.Value)
			if !ok {
				return fmt.Errorf("storage %s is not a value", a.Storage.Name)
			}
			argType = v.Type()
		default:
			return fmt.Errorf("unknown argument kind %d for %s", a.Kind, a.Param)
		}
		if !convertible(argType, paramType) {
			return fmt.Errorf("%w: parameter %s is %s, value is %s",
				ErrArgumentTypeMismatch, a.Param, paramType.LLString(), argType.LLString())
		}
	}
	return nil
}

func convertible(from, to types.Type) bool {
	if from.Equal(to) {
		return true
	}
	_, fromPtr := from.(*types.PointerType)
	_, toPtr := to.(*types.PointerType)
	_, fromInt := from.(*types.IntType)
	_, toInt := to.(*types.IntType)
	return (fromPtr && toPtr) || (fromInt && toInt)
}

// convertArg adapts v to the hook parameter type. Pointers are bit-cast, integers are sign extended (zero extended
// from i1) or truncated. It returns the conversion instruction to insert, nil when v is passed as is, and a nil value
// when no conversion exists.
func convertArg(v value.Value, paramType types.Type) (value.Value, ir.Instruction) {
	from := v.Type()
	if from.Equal(paramType) {
		return v, nil
	} else if !convertible(from, paramType) {
		return nil, nil
	}
	if _, ok := from.(*types.PointerType); ok {
		cast := ir.NewBitCast(v, paramType)
		return cast, cast
	}
	fromBits, toBits := from.(*types.IntType).BitSize, paramType.(*types.IntType).BitSize
	switch {
	case fromBits > toBits:
		trunc := ir.NewTrunc(v, paramType)
		return trunc, trunc
	case fromBits == 1:
		zext := ir.NewZExt(v, paramType)
		return zext, zext
	default:
		sext := ir.NewSExt(v, paramType)
		return sext, sext
	}
}

// findAnchor returns the block holding the anchor and the index to insert at, a terminator yields len(block.Insts).
func (lf *llvmFunction) findAnchor(anchor Inst) (*ir.Block, int) {
	for _, b := range lf.f.Blocks {
		if term, ok := anchor.Handle.(ir.Terminator); ok {
			if b.Term == term {
				return b, len(b.Insts)
			}
			continue
		}
		for i, inst := range b.Insts {
			if any(inst) == anchor.Handle {
				return b, i
			}
		}
	}
	return nil, -1
}

func (lf *llvmFunction) localNames() map[string]bool {
	names := make(map[string]bool)
	for _, p := range lf.f.Params {
		names[p.Name()] = true
	}
	for _, b := range lf.f.Blocks {
		names[b.Name()] = true
		for _, inst := range b.Insts {
			if named, ok := inst.(value.Named); ok {
				names[named.Name()] = true
			}
		}
	}
	return names
}
