package tressa

import "strings"

// Anchor is a located insertion point, a call is inserted immediately before Inst.
type Anchor struct {
	Block string
	Inst  Inst
}

// LocateInsertionPoints walks a snapshot of a target function in program order and returns the anchors matching the
// spec. AtCall matches every call site, AtReturn and AtConditionalEnd match at most once (unless Nth is EveryOrdinal).
func LocateInsertionPoints(blocks []Block, spec InsertionSpec, conv Conventions) []Anchor {
	switch spec.Kind {
	case AtEntry:
		if len(blocks) == 0 || len(blocks[0].Insts) == 0 {
			return nil
		}
		return []Anchor{{Block: blocks[0].Label, Inst: blocks[0].Insts[0]}}
	case AtReturn:
		return locateReturns(blocks, spec.Nth, conv)
	case AtCall:
		return locateCalls(blocks, spec.Callee)
	case AtConditionalEnd:
		return locateConstructEnd(blocks, conv.JoinLabel(spec.Construct), spec.Nth)
	default:
		return nil
	}
}

// isReturnEvent reports if the instruction returns or writes the synthesized return value slot.
func isReturnEvent(inst Inst, conv Conventions) bool {
	switch inst.Kind {
	case InstReturn:
		return true
	case InstStore:
		return strings.Contains(inst.Ptr, conv.ReturnSlot)
	case InstOther, InstAlloc, InstLoad, InstCall, InstBranch:
		return false
	default:
		return false
	}
}

func locateReturns(blocks []Block, nth int, conv Conventions) []Anchor {
	var anchors []Anchor
	var count int
	for _, b := range blocks {
		for _, inst := range b.Insts {
			if !isReturnEvent(inst, conv) {
				continue
			}
			if nth == EveryOrdinal {
				anchors = append(anchors, Anchor{Block: b.Label, Inst: inst})
			} else if count == nth {
				return []Anchor{{Block: b.Label, Inst: inst}}
			}
			count++
		}
	}
	return anchors
}

func locateCalls(blocks []Block, callee string) []Anchor {
	var anchors []Anchor
	for _, b := range blocks {
		for _, inst := range b.Insts {
			switch inst.Kind {
			case InstCall:
				if calleeMatches(inst.Callee, callee) {
					anchors = append(anchors, Anchor{Block: b.Label, Inst: inst})
				}
			case InstOther, InstAlloc, InstLoad, InstStore, InstBranch, InstReturn:
			}
		}
	}
	return anchors
}

func calleeMatches(callee, name string) bool {
	return callee != "" && (callee == name || DisplayName(callee) == name)
}

// locateConstructEnd counts guards of the construct, a guard being a two successor branch whose second successor is
// a join block label containing joinLabel. The join block recorded for guard nth is the insertion block. Blocks whose
// label merely contains joinLabel are never matched.
func locateConstructEnd(blocks []Block, joinLabel string, nth int) []Anchor {
	if joinLabel == "" || nth < 0 {
		return nil
	}
	var guards int
	var join string
	for _, b := range blocks {
		if join != "" && b.Label == join && guards-1 == nth {
			if len(b.Insts) == 0 {
				return nil
			}
			return []Anchor{{Block: b.Label, Inst: b.Insts[0]}}
		}
		for _, inst := range b.Insts {
			if guards > nth {
				break // join of the requested construct is known
			}
			switch inst.Kind {
			case InstBranch:
				if len(inst.Succs) == 2 && strings.Contains(inst.Succs[1], joinLabel) {
					join = inst.Succs[1]
					guards++
				}
			case InstOther, InstAlloc, InstLoad, InstStore, InstCall, InstReturn:
			}
		}
	}
	return nil
}
