package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/eval"
	"github.com/stackform-io/stackform/internal/provider"
	"github.com/stackform-io/stackform/internal/state"
)

var (
	applyAutoApprove bool
	applyProperties  map[string]string
	applyTargets     []string
	applyParallelism int
)

var applyCmd = &cobra.Command{
	Use:   "apply [path]",
	Short: "Apply a configuration",
	Long:  `Builds or changes infrastructure according to Stackform configuration files.`,
	RunE:  runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
	applyCmd.Flags().StringSliceVar(&applyTargets, "target", nil, "Limit the apply to the given resource addresses")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", engine.DefaultParallelism, "Maximum number of concurrent resource operations")
}

func runApply(cmd *cobra.Command, args []string) error {
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
	eng.Parallelism = applyParallelism

	// Hold the lease for the full snapshot-plan-apply-commit cycle.
	leaseID, err := stateMgr.Lock(&state.LockInfo{Who: "apply"})
	if err != nil {
		return err
	}
	defer stateMgr.Unlock(leaseID)

	fmt.Print("Loading configuration... ")
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, applyProperties)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Println("OK")

	if err := loadRequiredProviders(registry, cfg); err != nil {
		return err
	}

	currentState, serial, err := stateMgr.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlanWithTargets(ctx, cfg, currentState, applyTargets)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	if !pendingChanges(plan) {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\nStackform will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !applyAutoApprove {
		fmt.Print("\nDo you want to perform these actions? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	fmt.Println("\nApplying...")
	newState, results, applyErr := eng.ApplyPlanWithCallback(ctx, cfg, plan, currentState, renderApplyEvent)

	if applyErr != nil {
		// Persist the partial state so confirmed changes aren't lost, then
		// surface the failure.
		if werr := stateMgr.Write(ctx, newState); werr != nil {
			return fmt.Errorf("apply failed (%v) and partial state could not be written: %w", applyErr, werr)
		}
		renderApplyResults(results)
		return fmt.Errorf("apply failed: %w", applyErr)
	}

	if err := stateMgr.Commit(ctx, newState, serial); err != nil {
		var conflict *state.VersionConflictError
		if errors.As(err, &conflict) {
			// Someone else committed while we held a stale snapshot. Their
			// state stays authoritative; ours is parked locally for manual
			// reconciliation after a re-plan.
			recovery, werr := saveErroredState(ctx, wd, evaluator, newState)
			if werr != nil {
				return fmt.Errorf("commit conflict (%v) and state could not be saved locally: %w", conflict, werr)
			}
			return fmt.Errorf("failed to commit state: %w (applied state saved to %s)", err, recovery)
		}
		return fmt.Errorf("failed to commit state: %w", err)
	}

	fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
		plan.Summary.Create, plan.Summary.Update+plan.Summary.Replace, plan.Summary.Delete)

	if len(newState.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		for k, v := range newState.Outputs {
			fmt.Printf("  %s = %v\n", k, v)
		}
	}

	return nil
}

// renderApplyEvent streams per-resource progress during apply.
func renderApplyEvent(ev engine.ApplyEvent) {
	switch ev.Status {
	case "started":
		fmt.Printf("  %s: %s...\n", ev.Address, ev.Action)
	case "completed":
		fmt.Printf("  %s: %s complete (%s)\n", ev.Address, ev.Action, ev.Duration.Round(time.Millisecond))
	case "failed":
		fmt.Printf("  \033[31m%s: %s failed: %v\033[0m\n", ev.Address, ev.Action, ev.Error)
	case "skipped":
		fmt.Printf("  \033[33m%s: skipped (dependency failed)\033[0m\n", ev.Address)
	}
}

// renderApplyResults prints the final outcome per planned action after a
// failed apply.
func renderApplyResults(results []engine.ApplyResult) {
	fmt.Println("\nOutcome:")
	for _, r := range results {
		switch r.Status {
		case engine.OutcomeApplied:
			fmt.Printf("  %s: %s ok\n", r.Address, r.Action)
		case engine.OutcomeFailed:
			fmt.Printf("  %s: %s FAILED: %v\n", r.Address, r.Action, r.Err)
		case engine.OutcomeSkipped:
			fmt.Printf("  %s: skipped\n", r.Address)
		case engine.OutcomeCancelled:
			fmt.Printf("  %s: cancelled\n", r.Address)
		}
	}
}
