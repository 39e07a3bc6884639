package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/eval"
	"github.com/stackform-io/stackform/internal/state"
)

var taintCmd = &cobra.Command{
	Use:   "taint <address>",
	Short: "Mark a resource for recreation",
	Long: `Marks a resource as tainted, forcing it to be destroyed and recreated
on the next apply.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaint,
}

var untaintCmd = &cobra.Command{
	Use:   "untaint <address>",
	Short: "Remove taint from a resource",
	Long:  `Removes the taint mark from a resource, preventing forced recreation.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUntaint,
}

func runTaint(cmd *cobra.Command, args []string) error {
	return setTaint(cmd, args[0], true)
}

func runUntaint(cmd *cobra.Command, args []string) error {
	return setTaint(cmd, args[0], false)
}

func setTaint(cmd *cobra.Command, target string, tainted bool) error {
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

	leaseID, err := stateMgr.Lock(&state.LockInfo{Who: "taint"})
	if err != nil {
		return err
	}
	defer stateMgr.Unlock(leaseID)

	s, serial, err := stateMgr.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	entry := s.Find(target)
	if entry == nil {
		return fmt.Errorf("resource %s not found in state", target)
	}
	entry.Tainted = tainted

	if err := stateMgr.Commit(ctx, s, serial); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}

	if tainted {
		fmt.Printf("Resource %s has been tainted. It will be recreated on next apply.\n", target)
	} else {
		fmt.Printf("Resource %s has been untainted.\n", target)
	}
	return nil
}
