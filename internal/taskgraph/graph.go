package taskgraph

import (
	"sort"
	"strings"

	"github.com/spachava753/stagehand/internal/models"
)

// Graph is an immutable, validated set of tasks and their prerequisites.
//
// It is safe for concurrent read access.
type Graph struct {
	source     string
	tasks      map[string]models.Task
	names      []string            // sorted
	deps       map[string][]string // sorted
	dependents map[string][]string // sorted
}

// New builds and validates a Graph. source names the definition file in
// error messages and may be empty.
//
// Validation runs immediately and rejects:
//   - empty or duplicate task names
//   - prerequisites naming unknown tasks
//   - duplicate prerequisites and self-loops
//   - any cycle (direct or indirect)
func New(source string, tasks []models.Task) (*Graph, error) {
	g := &Graph{
		source:     source,
		tasks:      make(map[string]models.Task, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}

	for _, t := range tasks {
		if t.Name == "" {
			return nil, models.Configf(source, "task name is required")
		}
		if _, exists := g.tasks[t.Name]; exists {
			return nil, models.Configf(source, "duplicate task name: %q", t.Name)
		}
		g.tasks[t.Name] = t
		g.names = append(g.names, t.Name)
	}
	sort.Strings(g.names)

	for _, name := range g.names {
		t := g.tasks[name]
		seen := make(map[string]struct{}, len(t.Deps))
		for _, dep := range t.Deps {
			if dep == name {
				return nil, models.Configf(source, "task %q depends on itself", name)
			}
			if _, ok := g.tasks[dep]; !ok {
				return nil, models.Configf(source, "task %q depends on unknown task %q", name, dep)
			}
			if _, dup := seen[dep]; dup {
				return nil, models.Configf(source, "task %q lists prerequisite %q twice", name, dep)
			}
			seen[dep] = struct{}{}
			g.deps[name] = append(g.deps[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	for _, name := range g.names {
		sort.Strings(g.deps[name])
		sort.Strings(g.dependents[name])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, models.Configf(source, "dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return g, nil
}

// Names returns every task name in lexical order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// Task returns a task by name.
func (g *Graph) Task(name string) (models.Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Deps returns the direct prerequisites of name.
func (g *Graph) Deps(name string) []string {
	return g.deps[name]
}

// Dependents returns the tasks that list name as a prerequisite.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// Closure returns the requested tasks and all their transitive
// prerequisites in a deterministic topological order.
func (g *Graph) Closure(names ...string) ([]string, error) {
	want := make(map[string]struct{})
	var visit func(string)
	visit = func(n string) {
		if _, ok := want[n]; ok {
			return
		}
		want[n] = struct{}{}
		for _, d := range g.deps[n] {
			visit(d)
		}
	}
	for _, n := range names {
		if _, ok := g.tasks[n]; !ok {
			return nil, models.Configf(g.source, "unknown task %q", n)
		}
		visit(n)
	}

	var out []string
	for _, n := range g.TopologicalOrder() {
		if _, ok := want[n]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// TopologicalOrder returns every task such that prerequisites precede their
// dependents. Ties are broken lexically.
func (g *Graph) TopologicalOrder() []string {
	indeg := make(map[string]int, len(g.names))
	var ready []string
	for _, n := range g.names {
		indeg[n] = len(g.deps[n])
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, m := range g.dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = insertSorted(ready, m)
			}
		}
	}
	return out
}

// findCycle performs a deterministic DFS and returns one cycle path, closed
// on its first element, or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.names))
	var stack []string
	var cycle []string

	var dfs func(string) bool
	dfs = func(u string) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range g.deps[u] {
			switch color[v] {
			case white:
				if dfs(v) {
					return true
				}
			case gray:
				start := 0
				for i, s := range stack {
					if s == v {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), v)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for _, n := range g.names {
		if color[n] == white && dfs(n) {
			return cycle
		}
	}
	return nil
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
