package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/stackform-io/stackform/internal/ir"
)

// ImportResource brings an externally-created resource under management.
// No create is issued: the entry's attributes come from the provider's Read
// against the given external ID. The resulting entry participates in future
// plans exactly like one produced by apply.
func (e *Engine) ImportResource(ctx context.Context, state *ir.State, addrStr, externalID string) (*ir.ResourceState, error) {
	addr, err := ir.ParseAddress(addrStr)
	if err != nil {
		return nil, err
	}
	if state.Find(addr.String()) != nil {
		return nil, fmt.Errorf("resource %s is already managed; remove it from state first", addr.String())
	}

	provName := ProviderForType(addr.Type)
	if err := e.registry.LoadProvider(provName); err != nil {
		return nil, fmt.Errorf("failed to load provider %s: %w", provName, err)
	}
	prov, err := e.registry.Get(provName)
	if err != nil {
		return nil, err
	}

	attrs, err := prov.Read(ctx, addr.Type, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %q: %w", addr.Type, externalID, err)
	}

	var sensitive []string
	sch, schErr := prov.Schema(addr.Type)
	if schErr == nil {
		sensitive = sch.SensitiveNames()
	}

	// Computed attributes are provider-populated, never part of the desired
	// configuration; keeping them out of the recorded inputs stops the next
	// plan from seeing them as removed.
	inputs := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if schErr == nil && sch.Attributes[k].Computed {
			continue
		}
		inputs[k] = v
	}

	entry := &ir.ResourceState{
		Module:      addr.Module,
		Type:        addr.Type,
		Name:        addr.Name,
		Provider:    provName,
		ID:          externalID,
		Inputs:      ir.Normalize(inputs),
		InputsHash:  ir.Fingerprint(inputs),
		Outputs:     ir.Normalize(attrs),
		Fingerprint: ir.Fingerprint(attrs),
		Sensitive:   sensitive,
	}
	state.Resources = append(state.Resources, entry)
	return entry, nil
}

// ProviderForType derives the provider name from a resource type:
// "aws:S3.Bucket" belongs to "aws", plain types to "null".
func ProviderForType(resourceType string) string {
	if idx := strings.IndexByte(resourceType, ':'); idx > 0 {
		return resourceType[:idx]
	}
	return "null"
}
