package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/eval"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage Stackform state",
	Long:  `Commands for inspecting and modifying Stackform state.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in state",
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <address>",
	Short: "Show attributes of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <source> <destination>",
	Short: "Move a resource to a new address",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateMv,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <address>",
	Short: "Remove a resource from state (does not destroy)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateMvCmd)
	stateCmd.AddCommand(stateRmCmd)
}

func loadStateMgr() (state.Backend, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return openBackend(wd, eval.NewEvaluator(wd))
}

func runStateList(cmd *cobra.Command, args []string) error {
	mgr, err := loadStateMgr()
	if err != nil {
		return err
	}

	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(s.Resources) == 0 {
		fmt.Println("No resources in state.")
		return nil
	}

	fmt.Printf("State version: %d, serial: %d, lineage: %s\n\n", s.Version, s.Serial, s.Lineage)
	for _, res := range s.Resources {
		marker := ""
		if res.Tainted {
			marker = " (tainted)"
		}
		fmt.Printf("  %s (provider: %s)%s\n", res.Address().String(), res.Provider, marker)
	}
	fmt.Printf("\nTotal: %d resource(s)\n", len(s.Resources))

	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	mgr, err := loadStateMgr()
	if err != nil {
		return err
	}

	s, err := mgr.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	target := args[0]
	res := s.Find(target)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", target)
	}

	fmt.Printf("# %s\n", res.Address().String())
	fmt.Printf("  provider = %s\n", res.Provider)
	fmt.Printf("  type     = %s\n", res.Type)
	fmt.Printf("  name     = %s\n", res.Name)
	fmt.Printf("  id       = %s\n", res.ID)
	if res.Tainted {
		fmt.Printf("  tainted  = true\n")
	}

	if len(res.Inputs) > 0 {
		fmt.Println("\n  Inputs:")
		for k, v := range res.Inputs {
			fmt.Printf("    %s = %s\n", k, redactEntryValue(res, k, v))
		}
	}

	if len(res.Outputs) > 0 {
		fmt.Println("\n  Outputs:")
		for k, v := range res.Outputs {
			fmt.Printf("    %s = %s\n", k, redactEntryValue(res, k, v))
		}
	}

	if len(res.Dependencies) > 0 {
		fmt.Println("\n  Dependencies:")
		for _, d := range res.Dependencies {
			fmt.Printf("    %s\n", d)
		}
	}

	if res.InputsHash != "" {
		fmt.Printf("\n  inputs_hash = %s\n", res.InputsHash)
	}

	return nil
}

func runStateMv(cmd *cobra.Command, args []string) error {
	mgr, err := loadStateMgr()
	if err != nil {
		return err
	}

	leaseID, err := mgr.Lock(&state.LockInfo{Who: "state mv"})
	if err != nil {
		return err
	}
	defer mgr.Unlock(leaseID)

	s, serial, err := mgr.Snapshot(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	src, dst := args[0], args[1]

	res := s.Find(src)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", src)
	}
	if s.Find(dst) != nil {
		return fmt.Errorf("destination %s already exists in state", dst)
	}

	addr, err := ir.ParseAddress(dst)
	if err != nil {
		return fmt.Errorf("invalid destination address %q: %w", dst, err)
	}
	res.Module = addr.Module
	res.Type = addr.Type
	res.Name = addr.Name

	if err := mgr.Commit(cmd.Context(), s, serial); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}

	fmt.Printf("Moved %s to %s\n", src, dst)
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	mgr, err := loadStateMgr()
	if err != nil {
		return err
	}

	leaseID, err := mgr.Lock(&state.LockInfo{Who: "state rm"})
	if err != nil {
		return err
	}
	defer mgr.Unlock(leaseID)

	s, serial, err := mgr.Snapshot(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	target := args[0]
	if !s.Remove(target) {
		return fmt.Errorf("resource %s not found in state", target)
	}

	if err := mgr.Commit(cmd.Context(), s, serial); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}

	fmt.Printf("Removed %s from state (resource was NOT destroyed)\n", target)
	return nil
}
