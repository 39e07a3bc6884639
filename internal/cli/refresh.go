package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/eval"
	"github.com/stackform-io/stackform/internal/provider"
	"github.com/stackform-io/stackform/internal/state"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Update state to match real infrastructure",
	Long: `Reads the current state of all managed resources from their providers
and updates the state file to reflect actual infrastructure.

This detects drift between what Stackform thinks exists and what actually exists.`,
	RunE: runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	stateMgr, err := openBackend(wd, evaluator)
	if err != nil {
		return err
	}
	registry := provider.NewRegistry()
	eng := engine.NewEngine(registry)

	leaseID, err := stateMgr.Lock(&state.LockInfo{Who: "refresh"})
	if err != nil {
		return err
	}
	defer stateMgr.Unlock(leaseID)

	fmt.Print("Reading state... ")
	currentState, serial, err := stateMgr.Snapshot(ctx)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to read state: %w", err)
	}
	fmt.Println("OK")

	if len(currentState.Resources) == 0 {
		fmt.Println("No resources to refresh.")
		return nil
	}

	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	fmt.Printf("Refreshing %d resource(s)...\n", len(currentState.Resources))

	drifted, err := eng.RefreshState(ctx, currentState)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	if drifted > 0 {
		if err := stateMgr.Commit(ctx, currentState, serial); err != nil {
			return fmt.Errorf("failed to commit state: %w", err)
		}
	}

	fmt.Printf("\nRefresh complete. %d resource(s) changed.\n", drifted)
	return nil
}
