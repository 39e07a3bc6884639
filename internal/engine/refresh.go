package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
	"github.com/stackform-io/stackform/pkg/provider"
)

// RefreshState reads every managed resource through its provider and folds
// the observed attributes back into state, making drift visible to the next
// plan. Entries whose external resource is gone are removed. The updated
// fingerprint covers the refreshed attributes.
func (e *Engine) RefreshState(ctx context.Context, state *ir.State) (int, error) {
	drifted := 0
	var kept []*ir.ResourceState

	for _, entry := range state.Resources {
		if err := e.registry.LoadProvider(entry.Provider); err != nil {
			return drifted, fmt.Errorf("failed to load provider %s: %w", entry.Provider, err)
		}
		prov, err := e.registry.Get(entry.Provider)
		if err != nil {
			return drifted, err
		}

		attrs, err := prov.Read(ctx, entry.Type, entry.ID)
		if errors.Is(err, provider.ErrNotFound) {
			logging.Info("resource no longer exists, removing from state", "address", entry.Address().String())
			drifted++
			continue
		}
		if err != nil {
			return drifted, fmt.Errorf("refresh failed for %s: %w", entry.Address().String(), err)
		}

		fp := ir.Fingerprint(attrs)
		if fp != entry.Fingerprint {
			logging.Debug("drift detected", "address", entry.Address().String())
			drifted++
			entry.Outputs = ir.Normalize(attrs)
			entry.Fingerprint = fp
		}
		kept = append(kept, entry)
	}

	state.Resources = kept
	return drifted, nil
}
