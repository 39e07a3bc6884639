package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/eval"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/provider"
	"github.com/stackform-io/stackform/internal/state"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy [path]",
	Short: "Destroy all managed infrastructure",
	Long: `Destroys all resources managed by Stackform, in reverse dependency order.

This command is the inverse of 'stackform apply'. Resources whose lifecycle
sets preventDestroy refuse destruction and fail the command.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	stateMgr, err := openBackend(wd, evaluator)
	if err != nil {
		return err
	}
	registry := provider.NewRegistry()
	eng := engine.NewEngine(registry)

	leaseID, err := stateMgr.Lock(&state.LockInfo{Who: "destroy"})
	if err != nil {
		return err
	}
	defer stateMgr.Unlock(leaseID)

	// The configuration is optional here: it only contributes lifecycle
	// protections. A missing entry point destroys unconditionally.
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, nil)
	if err != nil {
		cfg = destroyFallbackConfig()
	}

	currentState, serial, err := stateMgr.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(currentState.Resources) == 0 {
		fmt.Println("No resources to destroy.")
		return nil
	}

	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	plan, err := eng.CreateDestroyPlan(ctx, cfg, currentState)
	if err != nil {
		return fmt.Errorf("destroy plan failed: %w", err)
	}

	fmt.Printf("Stackform will destroy %d resource(s):\n", plan.Summary.Delete)
	renderPlanChanges(plan)

	if !destroyAutoApprove {
		fmt.Print("\nDo you really want to destroy all resources? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	newState, results, applyErr := eng.ApplyPlanWithCallback(ctx, cfg, plan, currentState, renderApplyEvent)
	if applyErr != nil {
		if werr := stateMgr.Write(ctx, newState); werr != nil {
			return fmt.Errorf("destroy failed (%v) and partial state could not be written: %w", applyErr, werr)
		}
		renderApplyResults(results)
		return fmt.Errorf("destroy failed: %w", applyErr)
	}

	if err := stateMgr.Commit(ctx, newState, serial); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}

	fmt.Printf("\nDestroy complete! %d resource(s) deleted.\n", plan.Summary.Delete)
	return nil
}

func destroyFallbackConfig() *ir.Config {
	return &ir.Config{}
}
