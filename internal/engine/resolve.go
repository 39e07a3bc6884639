package engine

import (
	"strings"

	"github.com/stackform-io/stackform/internal/ir"
)

// resolveRefValue resolves a ptr:// reference to a concrete value using the
// given state. Module inputs and outputs are chased the same way the graph
// builder chases them for edges. The second return reports whether the
// reference resolved; unresolved references keep their raw form so the
// provider sees exactly what the user wrote.
func resolveRefValue(cfg *ir.Config, st *ir.State, fromModule, ref string, visited []string) (any, bool) {
	if !strings.HasPrefix(ref, ir.RefPrefix) {
		return ref, false
	}
	for _, v := range visited {
		if v == ref {
			return ref, false
		}
	}
	visited = append(visited, ref)

	path := ref[len(ir.RefPrefix):]

	if rest, ok := strings.CutPrefix(path, "module/"); ok {
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || cfg == nil {
			return ref, false
		}
		mod := cfg.ModuleByName(parts[0])
		if mod == nil {
			return ref, false
		}
		expr, ok := mod.Outputs[parts[1]]
		if !ok {
			return ref, false
		}
		return resolveExprValue(cfg, st, mod.Name, expr, visited)
	}

	if rest, ok := strings.CutPrefix(path, "input/"); ok {
		if cfg == nil {
			return ref, false
		}
		mod := cfg.ModuleByName(fromModule)
		if mod == nil {
			return ref, false
		}
		expr, ok := mod.Inputs[rest]
		if !ok {
			return ref, false
		}
		return resolveExprValue(cfg, st, "", expr, visited)
	}

	// ptr://<provider>:<Type>/<name>/<attr>
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 3 {
		return ref, false
	}
	entry := findStateEntry(st, fromModule, parts[0], parts[1])
	if entry == nil {
		return ref, false
	}
	attr := parts[2]
	if val, ok := entry.Outputs[attr]; ok {
		return val, true
	}
	if val, ok := entry.Inputs[attr]; ok {
		return val, true
	}
	return ref, false
}

func resolveExprValue(cfg *ir.Config, st *ir.State, scopeModule string, expr any, visited []string) (any, bool) {
	s, ok := expr.(string)
	if !ok || !strings.HasPrefix(s, ir.RefPrefix) {
		return expr, true // literal binding
	}
	return resolveRefValue(cfg, st, scopeModule, s, visited)
}

// findStateEntry looks up a state entry by type and name, preferring the
// referring module's scope over the root module.
func findStateEntry(st *ir.State, fromModule, resType, name string) *ir.ResourceState {
	if st == nil {
		return nil
	}
	if fromModule != "" {
		if e := st.Find(ir.Address{Module: fromModule, Type: resType, Name: name}.String()); e != nil {
			return e
		}
	}
	return st.Find(ir.Address{Type: resType, Name: name}.String())
}

// resolveProperties walks an attribute value and substitutes every resolvable
// ptr:// reference with its value from state. Unresolvable references are
// left intact.
func resolveProperties(cfg *ir.Config, st *ir.State, fromModule string, v any) any {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, ir.RefPrefix) {
			resolved, ok := resolveRefValue(cfg, st, fromModule, val, nil)
			if ok {
				return resolved
			}
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = resolveProperties(cfg, st, fromModule, item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveProperties(cfg, st, fromModule, item)
		}
		return out
	default:
		return val
	}
}
