package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/eval"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/state"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
	Long: `Workspaces allow you to manage multiple distinct sets of infrastructure
resources with the same configuration. Each workspace has its own state file.

The default workspace is called "default".`,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE:  runWorkspaceList,
}

var workspaceNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a new workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceNew,
}

var workspaceSelectCmd = &cobra.Command{
	Use:   "select <name>",
	Short: "Switch to another workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceSelect,
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceDelete,
}

var workspaceShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current workspace name",
	RunE:  runWorkspaceShow,
}

func init() {
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceNewCmd)
	workspaceCmd.AddCommand(workspaceSelectCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
	workspaceCmd.AddCommand(workspaceShowCmd)
}

func stackformDir(wd string) string {
	return filepath.Join(wd, ".stackform")
}

func workspaceFile(wd string) string {
	return filepath.Join(stackformDir(wd), "workspace")
}

func currentWorkspace(wd string) string {
	data, err := os.ReadFile(workspaceFile(wd))
	if err != nil {
		return "default"
	}
	ws := strings.TrimSpace(string(data))
	if ws == "" {
		return "default"
	}
	return ws
}

// WorkspaceStatePath returns the state file path for the current workspace,
// relative to the working directory.
func WorkspaceStatePath(wd string) string {
	ws := currentWorkspace(wd)
	if ws == "default" {
		return filepath.Join(".stackform", "state.pkl")
	}
	return filepath.Join(".stackform", fmt.Sprintf("state.%s.pkl", ws))
}

func workspaceStateFile(wd, name string) string {
	if name == "default" {
		return filepath.Join(stackformDir(wd), "state.pkl")
	}
	return filepath.Join(stackformDir(wd), fmt.Sprintf("state.%s.pkl", name))
}

func listWorkspaces(wd string) ([]string, error) {
	entries, err := os.ReadDir(stackformDir(wd))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{"default"}, nil
		}
		return nil, fmt.Errorf("failed to read .stackform directory: %w", err)
	}

	workspaces := []string{"default"}
	seen := map[string]bool{"default": true}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "state.") && strings.HasSuffix(name, ".pkl") {
			// state.<name>.pkl
			ws := strings.TrimPrefix(name, "state.")
			ws = strings.TrimSuffix(ws, ".pkl")
			if ws != "" && !seen[ws] {
				workspaces = append(workspaces, ws)
				seen[ws] = true
			}
		}
	}

	return workspaces, nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	workspaces, err := listWorkspaces(wd)
	if err != nil {
		return err
	}

	current := currentWorkspace(wd)
	for _, ws := range workspaces {
		if ws == current {
			fmt.Printf("* %s\n", ws)
		} else {
			fmt.Printf("  %s\n", ws)
		}
	}
	return nil
}

func runWorkspaceNew(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == "default" {
		return fmt.Errorf("cannot create a workspace named 'default' - it already exists")
	}

	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	statePath := workspaceStateFile(wd, name)
	if _, err := os.Stat(statePath); err == nil {
		return fmt.Errorf("workspace %q already exists", name)
	}

	// Create empty state for the new workspace
	mgr := state.NewManager(statePath, eval.NewEvaluator(wd))
	empty := &ir.State{Version: 1, Serial: 0, Lineage: uuid.NewString()}
	if err := mgr.Write(cmd.Context(), empty); err != nil {
		return fmt.Errorf("failed to create workspace state: %w", err)
	}

	// Switch to the new workspace
	if err := os.WriteFile(workspaceFile(wd), []byte(name), 0644); err != nil {
		return fmt.Errorf("failed to switch workspace: %w", err)
	}

	fmt.Printf("Created and switched to workspace %q\n", name)
	return nil
}

func runWorkspaceSelect(cmd *cobra.Command, args []string) error {
	name := args[0]

	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	if name != "default" {
		if _, err := os.Stat(workspaceStateFile(wd, name)); os.IsNotExist(err) {
			return fmt.Errorf("workspace %q does not exist", name)
		}
	}

	if err := os.MkdirAll(stackformDir(wd), 0755); err != nil {
		return fmt.Errorf("failed to create .stackform directory: %w", err)
	}
	if err := os.WriteFile(workspaceFile(wd), []byte(name), 0644); err != nil {
		return fmt.Errorf("failed to switch workspace: %w", err)
	}

	fmt.Printf("Switched to workspace %q\n", name)
	return nil
}

func runWorkspaceDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == "default" {
		return fmt.Errorf("cannot delete the default workspace")
	}

	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	if currentWorkspace(wd) == name {
		return fmt.Errorf("cannot delete the currently active workspace %q - switch to another workspace first", name)
	}

	statePath := workspaceStateFile(wd, name)
	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		return fmt.Errorf("workspace %q does not exist", name)
	}

	if err := os.Remove(statePath); err != nil {
		return fmt.Errorf("failed to delete workspace state: %w", err)
	}

	// Also remove lock file if exists
	os.Remove(statePath + ".lock")

	fmt.Printf("Deleted workspace %q\n", name)
	return nil
}

func runWorkspaceShow(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	fmt.Println(currentWorkspace(wd))
	return nil
}
