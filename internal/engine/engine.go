package engine

import (
	"github.com/stackform-io/stackform/internal/provider"
)

// Engine orchestrates the lifecycle of resources: it builds the dependency
// graph, computes plans against state and executes them through the
// registered providers.
type Engine struct {
	registry *provider.Registry

	// Parallelism bounds the number of concurrent resource operations
	// during apply. Zero means DefaultParallelism.
	Parallelism int
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{registry: registry}
}
