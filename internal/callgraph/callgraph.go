// Package callgraph converts stack walks and method code into lattice
// graphs for rendering.
package callgraph

import (
	"github.com/zboralski/lattice"

	"gcwalk/internal/stackwalk"
)

// NativeNode stands for the unmanaged code a walk crossed through a
// transition frame.
const NativeNode = "[native]"

// FromFrames builds the call graph implied by walked stacks. Each stack is
// innermost first, so every frame is called by the one after it.
func FromFrames(stacks ...[]stackwalk.Frame) *lattice.Graph {
	g := &lattice.Graph{}
	nodes := map[string]bool{}
	edges := map[[2]string]bool{}
	node := func(name string) {
		if !nodes[name] {
			nodes[name] = true
			g.Nodes = append(g.Nodes, name)
		}
	}
	edge := func(caller, callee string) {
		key := [2]string{caller, callee}
		if !edges[key] {
			edges[key] = true
			g.Edges = append(g.Edges, lattice.Edge{Caller: caller, Callee: callee})
		}
	}
	for _, frames := range stacks {
		for i, f := range frames {
			callee := f.Method.Name()
			node(callee)
			if i+1 == len(frames) {
				continue
			}
			caller := frames[i+1].Method.Name()
			if frames[i+1].Transition != 0 {
				node(NativeNode)
				edge(caller, NativeNode)
				edge(NativeNode, callee)
				continue
			}
			edge(caller, callee)
		}
	}
	g.Dedup()
	return g
}
