package callgraph

import (
	"fmt"
	"strings"

	"github.com/zboralski/lattice"

	"gcwalk/internal/codeman"
	"gcwalk/internal/disasm"
	"gcwalk/internal/gcfmt"
	"gcwalk/internal/gcinfo"
)

// BuildCFG builds the lattice CFG of every method in methods that carries
// code. Methods without code are skipped. Call targets inside reg are
// labelled with the callee's name.
func BuildCFG(reg *codeman.Registry, methods []*codeman.MethodInfo, opts gcfmt.Options) (*lattice.CFGGraph, error) {
	cg := &lattice.CFGGraph{}
	for _, mi := range methods {
		if mi.CodeBytes() == nil {
			continue
		}
		lcfg, _, err := BuildFuncCFG(reg, mi, opts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", mi.Name(), err)
		}
		cg.Funcs = append(cg.Funcs, lcfg)
	}
	return cg, nil
}

// BuildFuncCFG builds one method's lattice CFG and returns it with the
// number of basic blocks.
func BuildFuncCFG(reg *codeman.Registry, mi *codeman.MethodInfo, opts gcfmt.Options) (*lattice.FuncCFG, int, error) {
	dcfg, err := disasm.MethodCFG(mi, opts)
	if err != nil {
		return nil, 0, err
	}
	h, err := mi.Header()
	if err != nil {
		return nil, 0, err
	}
	sites, err := gcinfo.Callsites(mi.RawGCInfo(), h)
	if err != nil {
		return nil, 0, err
	}
	return convertFuncCFG(&dcfg, mi, reg, sites), len(dcfg.Blocks), nil
}

// SafePointLabel names a safe point by the slots live at it.
func SafePointLabel(slots []gcinfo.Slot) string {
	if len(slots) == 0 {
		return "gc: -"
	}
	parts := make([]string, len(slots))
	for i, s := range slots {
		parts[i] = s.String()
	}
	return "gc: " + strings.Join(parts, ", ")
}

func calleeName(reg *codeman.Registry, target uint64) string {
	if reg != nil {
		if mi, off, ok := reg.Lookup(target); ok {
			if off == 0 {
				return mi.Name()
			}
			return fmt.Sprintf("%s+0x%x", mi.Name(), off)
		}
	}
	return fmt.Sprintf("0x%x", target)
}

// convertFuncCFG maps a disasm.CFG to a lattice.FuncCFG. Each block's call
// sites are its bl instructions followed by the safe points at their
// return addresses.
func convertFuncCFG(dcfg *disasm.CFG, mi *codeman.MethodInfo, reg *codeman.Registry, sites []gcinfo.Callsite) *lattice.FuncCFG {
	slotsAt := make(map[uint64][]gcinfo.Slot, len(sites))
	for _, cs := range sites {
		slotsAt[mi.Code()+uint64(cs.Offset)] = cs.Slots
	}

	lcfg := &lattice.FuncCFG{Name: dcfg.Name}
	for _, db := range dcfg.Blocks {
		lb := &lattice.BasicBlock{
			ID:    db.ID,
			Start: db.Start,
			End:   db.End,
			Term:  db.Term,
		}
		for _, ds := range db.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{
				BlockID: ds.BlockID,
				Cond:    ds.Cond,
			})
		}
		for idx := db.Start; idx < db.End && idx < len(dcfg.Insts); idx++ {
			inst := dcfg.Insts[idx]
			if slots, ok := slotsAt[inst.Addr]; ok {
				lb.Calls = append(lb.Calls, lattice.CallSite{Offset: idx, Callee: SafePointLabel(slots)})
			}
			if b, ok := disasm.DecodeBranch(inst.Raw, inst.Addr); ok && b.Call {
				lb.Calls = append(lb.Calls, lattice.CallSite{Offset: idx, Callee: calleeName(reg, b.Target)})
			}
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}
