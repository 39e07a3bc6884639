package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stackform-io/stackform/internal/ir"
)

// Graph is the directed acyclic dependency graph over resource instances.
// Node identity is the canonical address string; an edge A -> B means A
// depends on B.
type Graph struct {
	nodes    map[string]*graphNode
	order    []string // topological order (creation order)
	revOrder []string // reverse topological order (destruction order)
}

type graphNode struct {
	addr     string
	edges    []string // addresses this node depends on
	revEdges []string // addresses that depend on this node
}

// BuildGraph constructs the dependency graph for a set of resource
// instances (already count/for_each expanded). Edges are the union of
// explicit dependsOn entries and implicit ptr:// references found in
// attribute values; module input/output references are resolved through the
// module declarations in cfg and land on the underlying resource.
//
// Building the same input twice yields identical node and edge sets and an
// identical topological order.
func BuildGraph(cfg *ir.Config, resources []*ir.Resource) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode)}

	byAddr := make(map[string]*ir.Resource)
	for _, res := range resources {
		addr := res.Address().String()
		byAddr[addr] = res
		g.nodes[addr] = &graphNode{addr: addr}
	}

	for _, res := range resources {
		addr := res.Address().String()
		node := g.nodes[addr]
		seen := make(map[string]bool)

		for _, dep := range res.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &UnresolvedRefError{Address: addr, Ref: dep}
			}
			if !seen[dep] && dep != addr {
				seen[dep] = true
				node.edges = append(node.edges, dep)
			}
		}

		for _, ref := range ir.CollectRefs(res.Properties) {
			depAddr, err := resolveRefAddr(cfg, byAddr, res.Module, addr, ref, nil)
			if err != nil {
				return nil, err
			}
			if depAddr == "" || depAddr == addr {
				continue
			}
			if !seen[depAddr] {
				seen[depAddr] = true
				node.edges = append(node.edges, depAddr)
			}
		}
		sort.Strings(node.edges)
	}

	for _, addr := range sortedKeys(g.nodes) {
		for _, dep := range g.nodes[addr].edges {
			g.nodes[dep].revEdges = append(g.nodes[dep].revEdges, addr)
		}
	}

	if err := g.checkCycles(); err != nil {
		return nil, err
	}
	g.order = g.topoSort()
	g.revOrder = reversed(g.order)
	return g, nil
}

// BuildStateGraph constructs a dependency graph from state entries, using
// the recorded dependency addresses. Used to order destroy operations for
// resources that no longer appear in configuration.
func BuildStateGraph(entries []*ir.ResourceState) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode)}

	for _, res := range entries {
		addr := res.Address().String()
		g.nodes[addr] = &graphNode{addr: addr}
	}
	for _, res := range entries {
		addr := res.Address().String()
		node := g.nodes[addr]
		for _, dep := range res.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				// Recorded dependency already destroyed; no ordering needed.
				continue
			}
			if dep != addr {
				node.edges = append(node.edges, dep)
			}
		}
		sort.Strings(node.edges)
	}

	for _, addr := range sortedKeys(g.nodes) {
		for _, dep := range g.nodes[addr].edges {
			g.nodes[dep].revEdges = append(g.nodes[dep].revEdges, addr)
		}
	}

	if err := g.checkCycles(); err != nil {
		return nil, err
	}
	g.order = g.topoSort()
	g.revOrder = reversed(g.order)
	return g, nil
}

// resolveRefAddr resolves a ptr:// reference, seen from inside fromModule,
// to a resource address string. Module inputs and outputs are pass-through:
// the reference is chased until it lands on a resource. visited guards
// against reference loops through module declarations.
func resolveRefAddr(cfg *ir.Config, byAddr map[string]*ir.Resource, fromModule, referrer, ref string, visited []string) (string, error) {
	if !strings.HasPrefix(ref, ir.RefPrefix) {
		return "", nil
	}
	for _, v := range visited {
		if v == ref {
			return "", &CycleError{Path: append(visited, ref)}
		}
	}
	visited = append(visited, ref)

	path := ref[len(ir.RefPrefix):]

	// ptr://module/<mod>/<output>
	if rest, ok := strings.CutPrefix(path, "module/"); ok {
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return "", &UnresolvedRefError{Address: referrer, Ref: ref}
		}
		mod := cfg.ModuleByName(parts[0])
		if mod == nil {
			return "", &UnresolvedRefError{Address: referrer, Ref: ref}
		}
		expr, ok := mod.Outputs[parts[1]]
		if !ok {
			return "", &UnresolvedRefError{Address: referrer, Ref: ref}
		}
		return resolveExprAddr(cfg, byAddr, mod.Name, referrer, expr, visited)
	}

	// ptr://input/<name>: the referring resource's own module input.
	if rest, ok := strings.CutPrefix(path, "input/"); ok {
		mod := cfg.ModuleByName(fromModule)
		if mod == nil {
			return "", &UnresolvedRefError{Address: referrer, Ref: ref}
		}
		expr, ok := mod.Inputs[rest]
		if !ok {
			return "", &UnresolvedRefError{Address: referrer, Ref: ref}
		}
		// Inputs are bound outside the module, so resolution continues from
		// the root scope.
		return resolveExprAddr(cfg, byAddr, "", referrer, expr, visited)
	}

	// ptr://<provider>:<Type>/<name>/<attr>
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 {
		return "", &UnresolvedRefError{Address: referrer, Ref: ref}
	}
	// Same module first, then the root module.
	local := ir.Address{Module: fromModule, Type: parts[0], Name: parts[1]}.String()
	if _, ok := byAddr[local]; ok {
		return local, nil
	}
	root := ir.Address{Type: parts[0], Name: parts[1]}.String()
	if _, ok := byAddr[root]; ok {
		return root, nil
	}
	return "", &UnresolvedRefError{Address: referrer, Ref: ref}
}

// resolveExprAddr resolves a module input/output expression. Non-reference
// values (literals) bind no edge.
func resolveExprAddr(cfg *ir.Config, byAddr map[string]*ir.Resource, scopeModule, referrer string, expr any, visited []string) (string, error) {
	s, ok := expr.(string)
	if !ok || !strings.HasPrefix(s, ir.RefPrefix) {
		return "", nil
	}
	return resolveRefAddr(cfg, byAddr, scopeModule, referrer, s, visited)
}

// CreationOrder returns addresses in dependency-respecting creation order.
func (g *Graph) CreationOrder() []string {
	return g.order
}

// DestructionOrder returns addresses in reverse dependency order.
func (g *Graph) DestructionOrder() []string {
	return g.revOrder
}

// Dependencies returns the direct dependencies of addr.
func (g *Graph) Dependencies(addr string) []string {
	if node, ok := g.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// Dependents returns the addresses that directly depend on addr.
func (g *Graph) Dependents(addr string) []string {
	if node, ok := g.nodes[addr]; ok {
		return node.revEdges
	}
	return nil
}

// TransitiveDeps returns every address reachable from addr along dependency
// edges, in sorted order.
func (g *Graph) TransitiveDeps(addr string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(a string) {
		for _, dep := range g.Dependencies(a) {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(addr)
	return sortedKeys(seen)
}

// checkCycles runs a DFS and reports the first cycle with its full path.
func (g *Graph) checkCycles() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)
	var path []string

	var visit func(string) *CycleError
	visit = func(addr string) *CycleError {
		color[addr] = grey
		path = append(path, addr)
		for _, dep := range g.nodes[addr].edges {
			switch color[dep] {
			case grey:
				// Trim the path to the cycle start and close the loop.
				start := 0
				for i, a := range path {
					if a == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				return &CycleError{Path: cycle}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[addr] = black
		return nil
	}

	for _, addr := range sortedKeys(g.nodes) {
		if color[addr] == white {
			if err := visit(addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoSort runs Kahn's algorithm. Ready nodes are taken in address order so
// the result is deterministic.
func (g *Graph) topoSort() []string {
	inDegree := make(map[string]int, len(g.nodes))
	for addr, node := range g.nodes {
		inDegree[addr] = len(node.edges)
	}

	var queue []string
	for addr, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, addr)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		sorted = append(sorted, addr)

		ready := []string(nil)
		for _, dependent := range g.nodes[addr].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}
	return sorted
}

// DOT renders the graph in Graphviz format.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph resources {\n  rankdir = \"RL\";\n")
	for _, addr := range sortedKeys(g.nodes) {
		fmt.Fprintf(&b, "  %q;\n", addr)
		for _, dep := range g.nodes[addr].edges {
			fmt.Fprintf(&b, "  %q -> %q;\n", addr, dep)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func reversed(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
