// Package null implements an in-memory provider. It is the reference
// implementation of the provider contract and the workhorse of the test
// suite: resources live in a process-local store, so create, drift and
// import paths can be exercised without any external system.
package null

import (
	"context"
	"fmt"
	"sync"

	"github.com/stackform-io/stackform/pkg/provider"
)

type record struct {
	resourceType string
	attrs        map[string]any
}

// Provider stores resources in memory, keyed by external ID.
type Provider struct {
	mu    sync.Mutex
	store map[string]*record
	next  int
}

func New() *Provider {
	return &Provider{
		store: make(map[string]*record),
	}
}

func (p *Provider) Schema(resourceType string) (*provider.Schema, error) {
	switch resourceType {
	case "null:resource":
		return &provider.Schema{
			Attributes: map[string]provider.Attribute{
				"triggers": {Type: "map", ForcesReplacement: true},
				"value":    {Type: "string"},
				"id":       {Type: "string", Computed: true},
			},
		}, nil
	case "null:secret":
		return &provider.Schema{
			Attributes: map[string]provider.Attribute{
				"value": {Type: "string", Required: true, Sensitive: true},
				"id":    {Type: "string", Computed: true},
			},
		}, nil
	default:
		// Unknown null types get a permissive schema: every attribute is an
		// in-place updatable string.
		return &provider.Schema{Attributes: map[string]provider.Attribute{
			"id": {Type: "string", Computed: true},
		}}, nil
	}
}

func (p *Provider) Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.next++
	id := fmt.Sprintf("null-%d", p.next)
	p.store[id] = &record{
		resourceType: resourceType,
		attrs:        copyAttrs(attrs),
	}

	return id, p.outputs(id), nil
}

func (p *Provider) Read(ctx context.Context, resourceType, id string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.store[id]; !ok {
		return nil, provider.ErrNotFound
	}
	return p.outputs(id), nil
}

func (p *Provider) Update(ctx context.Context, resourceType, id string, attrs map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.store[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	rec.attrs = copyAttrs(attrs)

	return p.outputs(id), nil
}

func (p *Provider) Delete(ctx context.Context, resourceType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.store[id]; !ok {
		return provider.ErrNotFound
	}
	delete(p.store, id)
	return nil
}

// Put registers a resource under a caller-chosen ID, as if it had been
// created out of band. Used to stage resources for import and refresh.
func (p *Provider) Put(resourceType, id string, attrs map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store[id] = &record{resourceType: resourceType, attrs: copyAttrs(attrs)}
}

// Forget drops a resource without going through Delete, simulating an
// out-of-band removal.
func (p *Provider) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.store, id)
}

// Len reports how many resources currently exist.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.store)
}

// outputs builds the full attribute set for a stored resource. Caller holds mu.
func (p *Provider) outputs(id string) map[string]any {
	out := copyAttrs(p.store[id].attrs)
	out["id"] = id
	return out
}

func copyAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
