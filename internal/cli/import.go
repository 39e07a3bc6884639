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

var importCmd = &cobra.Command{
	Use:   "import <resource-address> <external-id>",
	Short: "Import existing infrastructure into Stackform state",
	Long: `Import an existing resource into the Stackform state file.

This does not generate configuration - you must write the corresponding
Pkl configuration manually. It only adds the resource to the state so
that Stackform will manage it going forward.

Example:
  stackform import null:resource.server ext-12345`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	addr := args[0]
	externalID := args[1]

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

	leaseID, err := stateMgr.Lock(&state.LockInfo{Who: "import"})
	if err != nil {
		return err
	}
	defer stateMgr.Unlock(leaseID)

	currentState, serial, err := stateMgr.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	fmt.Printf("Importing %s (id: %s)...\n", addr, externalID)
	entry, err := eng.ImportResource(ctx, currentState, addr, externalID)
	if err != nil {
		return err
	}

	if err := stateMgr.Commit(ctx, currentState, serial); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}

	fmt.Printf("Successfully imported %s (provider: %s)\n", addr, entry.Provider)
	fmt.Println("Note: You must also write the corresponding Pkl configuration for this resource.")
	return nil
}
