package ir

import "fmt"

// State represents the persistent state document. Serial is the version
// token for optimistic concurrency: a commit is accepted only if the stored
// serial still matches the one the snapshot was read at. Lineage is fixed at
// state birth and guards against crossing unrelated state histories.
type State struct {
	Version   int              `pkl:"version"`
	Serial    int              `pkl:"serial"`
	Lineage   string           `pkl:"lineage"`
	Resources []*ResourceState `pkl:"resources"`
	Outputs   map[string]any   `pkl:"outputs"`
}

// ResourceState is the last-applied record for one resource instance.
type ResourceState struct {
	Module   string `pkl:"module"`
	Type     string `pkl:"type"`
	Name     string `pkl:"name"`
	Provider string `pkl:"provider"`

	// ID is the external system's identifier for the resource.
	ID string `pkl:"id"`

	// Inputs holds the configuration attributes as last applied, with
	// ptr:// references intact. InputsHash fingerprints them.
	Inputs     map[string]any `pkl:"inputs"`
	InputsHash string         `pkl:"inputsHash"`

	// Outputs holds the resolved attributes the provider returned, including
	// computed ones. Fingerprint covers Outputs and is refreshed on drift
	// detection.
	Outputs     map[string]any `pkl:"outputs"`
	Fingerprint string         `pkl:"fingerprint"`

	Sensitive    []string `pkl:"sensitive"`
	Dependencies []string `pkl:"dependencies"`
	Tainted      bool     `pkl:"tainted"`
}

// Address returns the entry's resource address.
func (r *ResourceState) Address() Address {
	return Address{Module: r.Module, Type: r.Type, Name: r.Name}
}

// Find returns the entry with the given address string, or nil.
func (s *State) Find(addr string) *ResourceState {
	for _, res := range s.Resources {
		if res.Address().String() == addr {
			return res
		}
	}
	return nil
}

// Remove deletes the entry with the given address string, reporting whether
// it was present.
func (s *State) Remove(addr string) bool {
	for i, res := range s.Resources {
		if res.Address().String() == addr {
			s.Resources = append(s.Resources[:i], s.Resources[i+1:]...)
			return true
		}
	}
	return false
}

// DeepCopy returns an independent copy of the state, so snapshots are
// immutable with respect to later commits.
func (s *State) DeepCopy() *State {
	if s == nil {
		return nil
	}
	out := &State{
		Version: s.Version,
		Serial:  s.Serial,
		Lineage: s.Lineage,
		Outputs: deepCopyAnyMap(s.Outputs),
	}
	for _, res := range s.Resources {
		out.Resources = append(out.Resources, res.DeepCopy())
	}
	return out
}

// DeepCopy returns an independent copy of the entry.
func (r *ResourceState) DeepCopy() *ResourceState {
	if r == nil {
		return nil
	}
	return &ResourceState{
		Module:       r.Module,
		Type:         r.Type,
		Name:         r.Name,
		Provider:     r.Provider,
		ID:           r.ID,
		Inputs:       deepCopyAnyMap(r.Inputs),
		InputsHash:   r.InputsHash,
		Outputs:      deepCopyAnyMap(r.Outputs),
		Fingerprint:  r.Fingerprint,
		Sensitive:    append([]string(nil), r.Sensitive...),
		Dependencies: append([]string(nil), r.Dependencies...),
		Tainted:      r.Tainted,
	}
}

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyAny(v)
	}
	return out
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = deepCopyAny(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyAny(item)
		}
		return out
	default:
		return v
	}
}
