// Package provider defines the contract between the stackform core and
// resource-type providers. Providers are in-process collaborators: the core
// never talks to an external system directly, it only calls these methods.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned by Read when the external resource no longer exists.
var ErrNotFound = errors.New("resource not found")

// Interface is implemented by every resource-type provider.
//
// Create, Read, Update and Delete map onto the external system's API. The
// core treats them as black boxes: errors are classified transient or fatal
// (see Transient and Fatal) and retried or surfaced accordingly.
type Interface interface {
	// Schema returns the attribute schema for a resource type.
	Schema(resourceType string) (*Schema, error)

	// Create provisions a new resource and returns its external ID together
	// with the full resulting attribute set (including computed attributes).
	Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error)

	// Read fetches the current attributes of an existing resource.
	// Returns ErrNotFound if the resource is gone.
	Read(ctx context.Context, resourceType, id string) (map[string]any, error)

	// Update modifies an existing resource in place and returns the full
	// resulting attribute set.
	Update(ctx context.Context, resourceType, id string, attrs map[string]any) (map[string]any, error)

	// Delete removes the resource from the external system.
	Delete(ctx context.Context, resourceType, id string) error
}

// Schema describes the attributes of a resource type.
type Schema struct {
	Attributes map[string]Attribute
}

// Attribute describes a single schema attribute.
type Attribute struct {
	Type              string // "string", "number", "bool", "list", "map"
	Required          bool
	Computed          bool // populated by the provider, not the user
	Sensitive         bool
	ForcesReplacement bool // a change requires destroy/create
}

// ForcesReplacement reports whether a change to the named attribute requires
// replacing the resource. Unknown attributes are update-in-place.
func (s *Schema) ForcesReplacement(name string) bool {
	if s == nil {
		return false
	}
	return s.Attributes[name].ForcesReplacement
}

// IsSensitive reports whether the named attribute is sensitive.
func (s *Schema) IsSensitive(name string) bool {
	if s == nil {
		return false
	}
	return s.Attributes[name].Sensitive
}

// SensitiveNames returns the sorted list of sensitive attribute names, for
// tagging state entries on write.
func (s *Schema) SensitiveNames() []string {
	if s == nil {
		return nil
	}
	var names []string
	for name, attr := range s.Attributes {
		if attr.Sensitive {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// transientError marks an error as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// fatalError marks an error as non-retryable.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Transient wraps err so the core's retry policy treats it as retryable
// (timeouts, throttling). Providers use this when they can classify their
// own failures better than the core's heuristics.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Fatal wraps err so the core never retries it (validation, permissions).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsTransient reports whether err was wrapped with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// IsFatal reports whether err was wrapped with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Errorf is fmt.Errorf wrapped as Fatal, for provider validation failures.
func Errorf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}
