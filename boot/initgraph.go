package boot

import "fmt"

/// Stage is one named init step: an action plus the labels of stages that
/// must run before it. Grounded on kernel/boot/initgraph.c's
/// initgraph_node (label, action, unsatisfied_deps, in/out edges) — this
/// rendition drops the linker-section node registration (INITGRAPH_STAGE's
/// "[[__section(".initgraph.nodes")]]" trick) in favor of an explicit
/// registry, since Go has no equivalent of pulling structs out of a custom
/// ELF section at runtime.
type Stage struct {
	Label  string
	Deps   []string
	Action func() error
}

/// Graph is a registry of Stages plus the topological executor. The zero
/// value is ready to use.
type Graph struct {
	stages map[string]Stage
	order  []string // insertion order, for deterministic iteration when in-degrees tie
}

/// NewGraph returns an empty init graph.
func NewGraph() *Graph {
	return &Graph{stages: map[string]Stage{}}
}

/// Register adds a stage. Registering the same label twice replaces the
/// earlier definition, matching a re-registration being the caller's
/// explicit intent (there is no hidden once-only guard here, unlike
/// kmod.Register's "ignore if already registered": an init graph is built
/// once at startup by a single author, not contended by concurrent
/// subsystems registering the same name).
func (g *Graph) Register(label string, deps []string, action func() error) {
	if g.stages == nil {
		g.stages = map[string]Stage{}
	}
	if _, exists := g.stages[label]; !exists {
		g.order = append(g.order, label)
	}
	g.stages[label] = Stage{Label: label, Deps: deps, Action: action}
}

/// Execute runs every registered stage exactly once, in an order consistent
/// with every Deps edge (Kahn's algorithm, the same topological-sort shape
/// used by the pack's module dependency graphs). onReached, if non-nil, is
/// called just before each stage's action runs, mirroring
/// initgraph_execute's on_reached callback (used there to log the stage
/// name as it starts). Execute stops and returns the first action error;
/// stages already run are not rolled back, matching a kernel init failure
/// simply aborting the boot sequence at that point.
func (g *Graph) Execute(onReached func(label string)) error {
	indegree := make(map[string]int, len(g.stages))
	dependents := make(map[string][]string, len(g.stages))
	for label, st := range g.stages {
		if _, ok := indegree[label]; !ok {
			indegree[label] = 0
		}
		for _, dep := range st.Deps {
			if _, ok := g.stages[dep]; !ok {
				return fmt.Errorf("initgraph: stage %q depends on unregistered stage %q", label, dep)
			}
			indegree[label]++
			dependents[dep] = append(dependents[dep], label)
		}
	}

	var pending []string
	for _, label := range g.order {
		if indegree[label] == 0 {
			pending = append(pending, label)
		}
	}

	done := make(map[string]bool, len(g.stages))
	for len(pending) > 0 {
		label := pending[0]
		pending = pending[1:]

		st := g.stages[label]
		if onReached != nil {
			onReached(label)
		}
		if st.Action != nil {
			if err := st.Action(); err != nil {
				return fmt.Errorf("initgraph: stage %q failed: %w", label, err)
			}
		}
		done[label] = true

		for _, next := range dependents[label] {
			indegree[next]--
			if indegree[next] == 0 {
				pending = append(pending, next)
			}
		}
	}

	if len(done) != len(g.stages) {
		var stuck []string
		for label := range g.stages {
			if !done[label] {
				stuck = append(stuck, label)
			}
		}
		return fmt.Errorf("initgraph: circular dependency among stages %v", stuck)
	}
	return nil
}
