package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
)

// runProvisioners executes the resource's post-action hooks matching phase
// ("create" or "update"), after the primary external call confirmed success.
// Hooks have their own retry budget and never roll back the primary action;
// a hook configured with onFailure "continue" only logs.
func (e *Engine) runProvisioners(ctx context.Context, res *ir.Resource, phase, id string, attrs map[string]any) error {
	if res == nil {
		return nil
	}
	for _, p := range res.Provisioners {
		when := p.When
		if when == "" {
			when = "create"
		}
		if when != phase {
			continue
		}

		policy := &RetryPolicy{
			MaxRetries: p.Retries,
			BaseDelay:  DefaultRetryPolicy().BaseDelay,
			MaxDelay:   DefaultRetryPolicy().MaxDelay,
		}
		err := RetryWithBackoff(ctx, policy, func() error {
			return runCommand(ctx, res, p.Command, id)
		}, func(error) bool { return p.Retries > 0 })

		if err != nil {
			if p.OnFailure == "continue" {
				logging.Warn("provisioner failed, continuing", "address", res.Address().String(), "error", err)
				continue
			}
			return fmt.Errorf("provisioner failed for %s: %w", res.Address().String(), err)
		}
	}
	return nil
}

func runCommand(ctx context.Context, res *ir.Resource, command, id string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"STACKFORM_RESOURCE_ADDRESS="+res.Address().String(),
		"STACKFORM_RESOURCE_ID="+id,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q: %w (output: %s)", command, err, out)
	}
	logging.Debug("provisioner completed", "address", res.Address().String(), "command", command)
	return nil
}
