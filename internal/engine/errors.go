package engine

import (
	"fmt"
	"strings"
)

// CycleError is returned when the configuration graph contains a dependency
// cycle. Path holds the full cycle, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// UnresolvedRefError is returned when an attribute expression references an
// address that is not present in the graph.
type UnresolvedRefError struct {
	Address string // the referring resource
	Ref     string // the dangling reference
}

func (e *UnresolvedRefError) Error() string {
	return fmt.Sprintf("%s references %q, which does not resolve to any resource in the configuration", e.Address, e.Ref)
}

// DestructionBlockedError is returned when a plan would destroy or replace a
// resource whose lifecycle sets preventDestroy. Planning fails fast; the
// action is never emitted.
type DestructionBlockedError struct {
	Address string
	Action  string
}

func (e *DestructionBlockedError) Error() string {
	return fmt.Sprintf("resource %s has prevent_destroy set but the plan requires %s", e.Address, strings.ToLower(e.Action))
}
