package tressa

import "strconv"

// InstKind is the closed set of instruction kinds the engine makes decisions on.
type InstKind uint8

const (
	InstOther InstKind = iota
	InstAlloc
	InstLoad
	InstStore
	InstCall
	InstBranch
	InstReturn
)

func (k InstKind) String() string {
	switch k {
	case InstAlloc:
		return "alloc"
	case InstLoad:
		return "load"
	case InstStore:
		return "store"
	case InstCall:
		return "call"
	case InstBranch:
		return "branch"
	case InstReturn:
		return "return"
	case InstOther:
		return "other"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Inst is a read-only snapshot of a single instruction.
type Inst struct {
	Kind InstKind
	// Name is the local result name, for allocations this is the storage slot name.
	Name string
	// Ptr is the slot name read by a load or written by a store.
	Ptr string
	// Callee is the resolved callee name of a call.
	Callee string
	// Succs lists successor block labels of a branch in successor order.
	Succs []string
	// Text is a printable form used for diagnostics.
	Text string
	// Handle is the adapter identity of the instruction, used as an insertion anchor.
	Handle any
}

// Block is a labeled snapshot of a basic block, the terminator is the final instruction.
type Block struct {
	Label string
	Insts []Inst
}

// Param describes a declared function parameter.
type Param struct {
	Name   string
	Type   string
	Handle any
}

// Function is the view of one IR function needed by the engine.
type Function interface {
	// Name returns the raw (possibly mangled) symbol name.
	Name() string
	// Params returns the declared parameters in order.
	Params() []Param
	// Declaration reports if the function has no body.
	Declaration() bool
	// Blocks returns a snapshot of the function body. Later insertions do not change a returned snapshot.
	Blocks() []Block
	// InsertCall materializes the plan immediately before the anchor instruction. Existing instructions are never
	// removed or reordered. The returned Inst describes the inserted call.
	InsertCall(anchor Inst, plan CallPlan) (Inst, error)
}

// CallChecker is implemented by functions able to validate a call plan against the hook declaration before anything
// is inserted.
type CallChecker interface {
	// CheckCall returns an error when an argument can't be passed as the declared hook parameter type.
	CheckCall(plan CallPlan) error
}

// Module is one IR compilation unit.
type Module interface {
	Name() string
	// Functions returns all defined and declared functions in program order.
	Functions() []Function
}

// StorageKind identifies how a bound variable is read.
type StorageKind uint8

const (
	// StorageSlot is an allocated slot that must be loaded to obtain the current value.
	StorageSlot StorageKind = iota
	// StorageArgument is a function argument value used directly.
	StorageArgument
)

// StorageRef is the canonical storage handle for one logical variable name.
type StorageRef struct {
	Name   string // IR name of the slot or argument
	Kind   StorageKind
	Handle any
}

// ArgKind identifies how a single hook argument is materialized.
type ArgKind uint8

const (
	// ArgSentinel passes the integer constant CallArg.Value.
	ArgSentinel ArgKind = iota
	// ArgLoad loads the current value of CallArg.Storage into a new temporary named CallArg.TempName.
	ArgLoad
	// ArgValue passes CallArg.Storage directly, cast to the hook parameter type if needed.
	ArgValue
)

// CallArg is one decided argument of an inserted hook call.
type CallArg struct {
	Kind     ArgKind
	Param    string // hook parameter receiving this argument
	Value    int64
	Storage  StorageRef
	TempName string
}

func (a CallArg) String() string {
	switch a.Kind {
	case ArgSentinel:
		return strconv.FormatInt(a.Value, 10)
	case ArgLoad:
		return "load(" + a.Storage.Name + ")"
	case ArgValue:
		return a.Storage.Name
	default:
		return "?"
	}
}

// CallPlan is a fully decided call to a hook, ready to be inserted.
type CallPlan struct {
	Hook string
	Args []CallArg
}
