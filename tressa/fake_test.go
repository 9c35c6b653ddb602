package tressa

import (
	"errors"
	"slices"
	"strings"
)

// instID gives every fake instruction a unique pointer identity.
type instID struct{ text string }

func fakeInst(kind InstKind, text string) Inst {
	return Inst{Kind: kind, Text: text, Handle: &instID{text: text}}
}

func alloc(name string) Inst {
	inst := fakeInst(InstAlloc, "%"+name+" = alloca")
	inst.Name = name
	return inst
}

func store(ptr string) Inst {
	inst := fakeInst(InstStore, "store %"+ptr)
	inst.Ptr = ptr
	return inst
}

// spill stores argument param into its shadow slot.
func spill(param string) Inst {
	inst := fakeInst(InstStore, "store %"+param+", %"+param+".addr")
	inst.Ptr = param + ".addr"
	return inst
}

func load(name, ptr string) Inst {
	inst := fakeInst(InstLoad, "%"+name+" = load %"+ptr)
	inst.Name, inst.Ptr = name, ptr
	return inst
}

func call(callee string) Inst {
	inst := fakeInst(InstCall, "call @"+callee)
	inst.Callee = callee
	return inst
}

func br(succs ...string) Inst {
	inst := fakeInst(InstBranch, "br "+strings.Join(succs, ", "))
	inst.Succs = succs
	return inst
}

func ret() Inst {
	return fakeInst(InstReturn, "ret")
}

func other(text string) Inst {
	return fakeInst(InstOther, text)
}

type fakeInsertion struct {
	block  string
	before Inst
	plan   CallPlan
}

type fakeFunction struct {
	name     string
	params   []Param
	blocks   []Block
	inserted []fakeInsertion
}

// newFakeFunc creates a function with i32 parameters of the given names.
func newFakeFunc(name string, params ...string) *fakeFunction {
	f := &fakeFunction{name: name}
	for _, p := range params {
		f.params = append(f.params, Param{Name: p, Type: "i32", Handle: &instID{text: "%" + p}})
	}
	return f
}

func (f *fakeFunction) withParamType(idx int, typ string) *fakeFunction {
	f.params[idx].Type = typ
	return f
}

func (f *fakeFunction) block(label string, insts ...Inst) *fakeFunction {
	f.blocks = append(f.blocks, Block{Label: label, Insts: insts})
	return f
}

func (f *fakeFunction) Name() string {
	return f.name
}

func (f *fakeFunction) Params() []Param {
	return slices.Clone(f.params)
}

func (f *fakeFunction) Declaration() bool {
	return len(f.blocks) == 0
}

func (f *fakeFunction) Blocks() []Block {
	out := make([]Block, len(f.blocks))
	for i, b := range f.blocks {
		out[i] = Block{Label: b.Label, Insts: slices.Clone(b.Insts)}
	}
	return out
}

func (f *fakeFunction) InsertCall(anchor Inst, plan CallPlan) (Inst, error) {
	for bi, b := range f.blocks {
		for ii, inst := range b.Insts {
			if inst.Handle != anchor.Handle {
				continue
			}
			callInst := call(plan.Hook)
			f.blocks[bi].Insts = slices.Insert(b.Insts, ii, callInst)
			f.inserted = append(f.inserted, fakeInsertion{block: b.Label, before: anchor, plan: plan})
			return callInst, nil
		}
	}
	return Inst{}, errors.New("anchor not found")
}

// instTexts lists the instruction texts of a block, used to assert final order.
func (f *fakeFunction) instTexts(label string) []string {
	for _, b := range f.blocks {
		if b.Label == label {
			texts := make([]string, len(b.Insts))
			for i, inst := range b.Insts {
				texts[i] = inst.Text
			}
			return texts
		}
	}
	return nil
}

type fakeModule struct {
	name  string
	funcs []Function
}

func newFakeModule(funcs ...*fakeFunction) *fakeModule {
	m := &fakeModule{name: "fake.ll"}
	for _, f := range funcs {
		m.funcs = append(m.funcs, f)
	}
	return m
}

func (m *fakeModule) Name() string {
	return m.name
}

func (m *fakeModule) Functions() []Function {
	return m.funcs
}
