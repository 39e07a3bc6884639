package ir

// Config represents the top-level configuration.
type Config struct {
	Resources []*Resource    `pkl:"resources"`
	Modules   []*Module      `pkl:"modules"`
	Outputs   map[string]any `pkl:"outputs"`
}

// Module is a named grouping of resources with declared inputs and outputs.
// Modules are pass-through at graph level: a reference to a module output
// resolves to the resource the output expression points at, and a module
// input bound to another module's output creates a cross-module edge there.
type Module struct {
	Name    string         `pkl:"name"`
	Inputs  map[string]any `pkl:"inputs"`  // values or ptr:// expressions
	Outputs map[string]any `pkl:"outputs"` // ptr:// expressions over the module's resources
}

// ModuleByName returns the named module, or nil.
func (c *Config) ModuleByName(name string) *Module {
	for _, m := range c.Modules {
		if m.Name == name {
			return m
		}
	}
	return nil
}
