package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/eval"
)

var forceUnlockCmd = &cobra.Command{
	Use:   "force-unlock",
	Short: "Release a stuck lock on the state",
	Long: `Removes the lock on the state for the current workspace.

Only use this when the holding process is known to be gone. Unlocking a
state that another process is actively using risks concurrent writes.`,
	RunE: runForceUnlock,
}

func runForceUnlock(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	stateMgr, err := openBackend(wd, eval.NewEvaluator(wd))
	if err != nil {
		return err
	}

	holder, err := stateMgr.LockHolder()
	if err != nil {
		return err
	}
	if holder == nil {
		fmt.Println("State is not locked.")
		return nil
	}

	if err := stateMgr.ForceUnlock(); err != nil {
		return err
	}

	fmt.Printf("Released lock held by %s.\n", holder.Who)
	return nil
}
