package compiler

import (
	"slices"
	"strings"

	"github.com/keboola/osiris/internal/pipeline"
)

// dependencyGraph maps a producer step id to the ids of the steps that
// consume one of its outputs. Every step is a node, even without edges.
type dependencyGraph map[string][]string

// buildDependencyGraph collects producer -> consumer edges from the steps'
// input bindings. References to unknown steps are ignored here; the
// validator reports them.
func buildDependencyGraph(steps []pipeline.Step) dependencyGraph {
	graph := make(dependencyGraph, len(steps))
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
		if graph[s.ID] == nil {
			graph[s.ID] = []string{}
		}
	}
	for _, s := range steps {
		for _, ref := range s.Inputs {
			producer, _ := pipeline.ParseInputRef(ref)
			if !known[producer] {
				continue
			}
			graph[producer] = append(graph[producer], s.ID)
		}
	}
	for id, next := range graph {
		slices.Sort(next)
		graph[id] = slices.Compact(next)
	}
	return graph
}

func (g dependencyGraph) nodes() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// cycleFinder splits the producer -> consumer graph into strongly
// connected groups of steps (Tarjan). rank is the order in which a step
// was first reached; low is the smallest rank reachable from it through
// steps whose group is still open.
type cycleFinder struct {
	graph  dependencyGraph
	next   int
	rank   map[string]int
	low    map[string]int
	open   []string
	isOpen map[string]bool
	groups [][]string
}

func (f *cycleFinder) visit(step string) {
	f.rank[step], f.low[step] = f.next, f.next
	f.next++
	f.open = append(f.open, step)
	f.isOpen[step] = true

	for _, consumer := range f.graph[step] {
		r, seen := f.rank[consumer]
		switch {
		case !seen:
			f.visit(consumer)
			f.low[step] = min(f.low[step], f.low[consumer])
		case f.isOpen[consumer]:
			f.low[step] = min(f.low[step], r)
		}
	}
	if f.low[step] != f.rank[step] {
		return
	}

	// step closes its group: it and every step opened after it.
	i := slices.Index(f.open, step)
	group := slices.Clone(f.open[i:])
	f.open = f.open[:i]
	for _, id := range group {
		delete(f.isOpen, id)
	}
	slices.Sort(group)
	f.groups = append(f.groups, group)
}

// stepGroups returns the strongly connected groups, each sorted. Steps
// are entered in id order so the result is stable.
func stepGroups(graph dependencyGraph) [][]string {
	f := &cycleFinder{
		graph:  graph,
		rank:   make(map[string]int, len(graph)),
		low:    make(map[string]int, len(graph)),
		isOpen: make(map[string]bool, len(graph)),
	}
	for _, id := range graph.nodes() {
		if _, seen := f.rank[id]; !seen {
			f.visit(id)
		}
	}
	return f.groups
}

// findCycles returns one closed path per cycle, e.g. [a b a], starting at
// the cycle's smallest step id. A lone step is a cycle only when it
// consumes its own output.
func findCycles(graph dependencyGraph) [][]string {
	var cycles [][]string
	for _, group := range stepGroups(graph) {
		first := group[0]
		if len(group) == 1 && !slices.Contains(graph[first], first) {
			continue
		}
		cycles = append(cycles, shortestLoop(first, group, graph))
	}
	slices.SortFunc(cycles, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return cycles
}

// shortestLoop searches breadth first from start, staying inside group,
// for the first edge leading back to start.
func shortestLoop(start string, group []string, graph dependencyGraph) []string {
	inGroup := make(map[string]bool, len(group))
	for _, id := range group {
		inGroup[id] = true
	}
	via := make(map[string]string, len(group))
	queue := []string{start}
	for len(queue) > 0 {
		step := queue[0]
		queue = queue[1:]
		for _, consumer := range graph[step] {
			if !inGroup[consumer] {
				continue
			}
			if consumer == start {
				loop := []string{start}
				for at := step; at != start; at = via[at] {
					loop = append(loop, at)
				}
				loop = append(loop, start)
				slices.Reverse(loop)
				return loop
			}
			if _, seen := via[consumer]; !seen {
				via[consumer] = step
				queue = append(queue, consumer)
			}
		}
	}
	return []string{start, start}
}

// topoOrder is Kahn's algorithm with ties broken by declaration order, so a
// valid authored order is kept as is. It returns nil if the graph has a
// cycle.
func topoOrder(steps []pipeline.Step, graph dependencyGraph) []string {
	position := make(map[string]int, len(steps))
	indegree := make(map[string]int, len(steps))
	for i, s := range steps {
		position[s.ID] = i
		indegree[s.ID] += 0
	}
	for _, consumers := range graph {
		for _, c := range consumers {
			indegree[c]++
		}
	}

	var ready []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}
	byPosition := func(a, b string) int { return position[a] - position[b] }

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		slices.SortFunc(ready, byPosition)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, c := range graph[n] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if len(order) != len(steps) {
		return nil
	}
	return order
}
