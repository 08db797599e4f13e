package disasm

import (
	"sort"

	"gcwalk/internal/codeman"
	"gcwalk/internal/gcfmt"
)

// BasicBlock is a run of instructions with a single entry.
type BasicBlock struct {
	ID     int
	Start  int // index into CFG.Insts, inclusive
	End    int // exclusive
	Succs  []Succ
	Entry  bool
	Term   bool // ends in ret or a branch out of the method
	Call   bool // ends in bl
	Region codeman.Region
}

// Succ is a control-flow edge.
type Succ struct {
	BlockID int
	Cond    string // "" unconditional, "T" taken, "F" fallthrough
}

// CFG is one method's control flow graph.
type CFG struct {
	Name   string
	Blocks []BasicBlock
	Insts  []Inst
}

// BuildCFG partitions insts into basic blocks. Block leaders are the first
// instruction, branch targets, instructions after a branch or call, and
// any address in extra.
func BuildCFG(name string, insts []Inst, extra ...uint64) CFG {
	if len(insts) == 0 {
		return CFG{Name: name}
	}
	start := insts[0].Addr
	end := insts[len(insts)-1].Addr + 4
	index := make(map[uint64]int, len(insts))
	for i, inst := range insts {
		index[inst.Addr] = i
	}

	leaders := map[int]bool{0: true}
	for _, addr := range extra {
		if i, ok := index[addr]; ok {
			leaders[i] = true
		}
	}
	for i, inst := range insts {
		b, ok := DecodeBranch(inst.Raw, inst.Addr)
		if !ok {
			continue
		}
		if i+1 < len(insts) {
			leaders[i+1] = true
		}
		if !b.Ret && !b.Call && b.Target >= start && b.Target < end {
			if idx, ok := index[b.Target]; ok {
				leaders[idx] = true
			}
		}
	}
	sorted := make([]int, 0, len(leaders))
	for i := range leaders {
		sorted = append(sorted, i)
	}
	sort.Ints(sorted)

	blocks := make([]BasicBlock, len(sorted))
	byLeader := make(map[int]int, len(sorted))
	for i, s := range sorted {
		e := len(insts)
		if i+1 < len(sorted) {
			e = sorted[i+1]
		}
		blocks[i] = BasicBlock{ID: i, Start: s, End: e, Entry: s == 0}
		byLeader[s] = i
	}

	for i := range blocks {
		blk := &blocks[i]
		last := insts[blk.End-1]
		next, hasNext := byLeader[blk.End]
		b, ok := DecodeBranch(last.Raw, last.Addr)
		switch {
		case !ok || b.Call:
			blk.Call = ok
			if hasNext {
				blk.Succs = append(blk.Succs, Succ{BlockID: next})
			}
			continue
		case b.Ret:
			blk.Term = true
			continue
		}
		target := -1
		if idx, ok := index[b.Target]; ok {
			if id, ok := byLeader[idx]; ok {
				target = id
			}
		}
		if b.Cond {
			if target >= 0 {
				blk.Succs = append(blk.Succs, Succ{BlockID: target, Cond: "T"})
			}
			if hasNext {
				blk.Succs = append(blk.Succs, Succ{BlockID: next, Cond: "F"})
			}
		} else if target >= 0 {
			blk.Succs = append(blk.Succs, Succ{BlockID: target})
		} else {
			blk.Term = true
		}
	}
	return CFG{Name: name, Blocks: blocks, Insts: insts}
}

// MethodCFG builds the CFG of mi's code, with blocks split at the prolog
// and epilog boundaries and labelled with the region they lie in.
func MethodCFG(mi *codeman.MethodInfo, opts gcfmt.Options) (CFG, error) {
	h, err := mi.Header()
	if err != nil {
		return CFG{}, err
	}
	epilogs, err := mi.Epilogs()
	if err != nil {
		return CFG{}, err
	}
	if mi.CodeBytes() == nil {
		return CFG{}, ErrNoCode
	}
	base := mi.Code()
	splits := []uint64{base + uint64(h.CanonicalPrologSize())}
	for _, e := range epilogs {
		splits = append(splits, base+uint64(e.Start), base+uint64(e.Start+e.Size))
	}
	cfg := BuildCFG(mi.Name(), Method(mi, opts), splits...)
	for i := range cfg.Blocks {
		off := uint32(cfg.Insts[cfg.Blocks[i].Start].Addr - base)
		if r, err := codeman.CodeRegion(mi, off); err == nil {
			cfg.Blocks[i].Region = r
		}
	}
	return cfg, nil
}
