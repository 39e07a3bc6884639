package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stackform-io/stackform/internal/eval"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/provider"
	"github.com/stackform-io/stackform/internal/state"
)

const sensitivePlaceholder = "(sensitive value)"

// resolveWorkdir turns an optional path argument into a working directory
// and Pkl entry point. A directory argument keeps the default entry point;
// a file argument splits into its directory and base name.
func resolveWorkdir(args []string) (string, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint := "main.pkl"

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}

		if info.IsDir() {
			wd = absPath
		} else {
			wd = filepath.Dir(absPath)
			entryPoint = filepath.Base(absPath)
		}
	}

	return wd, entryPoint, nil
}

// openBackend builds the state backend for the current workspace. With a
// .stackform/backend.json present the configured backend (e.g. s3) is used;
// otherwise state lives in a local file under .stackform/.
func openBackend(wd string, evaluator *eval.Evaluator) (state.Backend, error) {
	cfg, err := state.LoadBackendConfig(filepath.Join(stackformDir(wd), "backend.json"))
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return state.NewBackend(cfg, evaluator)
	}
	return state.NewManager(filepath.Join(wd, WorkspaceStatePath(wd)), evaluator), nil
}

// saveErroredState parks a state that could not be committed in a local
// recovery file. The backend copy is never overwritten; reconciliation
// happens through a fresh plan against whatever the backend holds.
func saveErroredState(ctx context.Context, wd string, evaluator *eval.Evaluator, st *ir.State) (string, error) {
	path := filepath.Join(stackformDir(wd), "errored.pkl")
	if err := state.NewManager(path, evaluator).Write(ctx, st); err != nil {
		return "", err
	}
	return path, nil
}

// loadRequiredProviders auto-loads all providers referenced by config resources.
func loadRequiredProviders(registry *provider.Registry, cfg *ir.Config) error {
	seen := make(map[string]bool)
	for _, res := range cfg.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.LoadProvider(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// loadStateProviders auto-loads all providers referenced by state resources (needed for DELETE).
func loadStateProviders(registry *provider.Registry, st *ir.State) error {
	seen := make(map[string]bool)
	for _, res := range st.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.LoadProvider(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		if change.Action == ir.ActionNoOp {
			continue
		}

		symbol := "~"
		switch change.Action {
		case ir.ActionCreate:
			symbol = "+"
		case ir.ActionDelete:
			symbol = "-"
		case ir.ActionReplace:
			symbol = "-/+"
		}

		color := "\033[0m"
		switch change.Action {
		case ir.ActionCreate:
			color = "\033[32m"
		case ir.ActionDelete:
			color = "\033[31m"
		case ir.ActionUpdate, ir.ActionReplace:
			color = "\033[33m"
		}

		var resourceType, resourceName string
		if change.Desired != nil {
			resourceType = change.Desired.Type
			resourceName = change.Desired.Name
		} else if change.Prior != nil {
			resourceType = change.Prior.Type
			resourceName = change.Prior.Name
		}

		fmt.Printf("\n%s  # %s will be %s%s\n", color, change.Address, change.Action, "\033[0m")
		fmt.Printf("%s  %s resource \"%s\" \"%s\" {\n", color, symbol, resourceType, resourceName)

		if len(change.Diff) > 0 {
			renderPropertyDiff(change, color)
		} else if change.Action == ir.ActionDelete && change.Prior != nil {
			for k, v := range change.Prior.Properties {
				fmt.Printf("%s      - %s = %v\n", color, k, formatValue(v))
			}
		} else {
			fmt.Printf("%s      ...\n", color)
		}
		fmt.Printf("%s    }%s\n", color, "\033[0m")
	}
}

// renderPropertyDiff prints structured property diffs. Sensitive values are
// never echoed.
func renderPropertyDiff(change *ir.ResourceChange, color string) {
	for key, diff := range change.Diff {
		before := formatValue(diff.Before)
		after := formatValue(diff.After)
		if diff.Sensitive {
			before = sensitivePlaceholder
			after = sensitivePlaceholder
		}

		note := ""
		if diff.ForcesReplacement {
			note = " # forces replacement"
		}

		switch diff.Action {
		case "create":
			fmt.Printf("\033[32m      + %s = %s%s\033[0m\n", key, after, note)
		case "delete":
			fmt.Printf("\033[31m      - %s = %s%s\033[0m\n", key, before, note)
		case "update":
			fmt.Printf("\033[33m      ~ %s = %s -> %s%s\033[0m\n", key, before, after, note)
		default:
			fmt.Printf("%s        %s = %s\n", color, key, after)
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create:  %d\n", plan.Summary.Create)
	fmt.Printf("  Update:  %d\n", plan.Summary.Update)
	fmt.Printf("  Delete:  %d\n", plan.Summary.Delete)
	fmt.Printf("  Replace: %d\n", plan.Summary.Replace)
	fmt.Printf("  NoOp:    %d\n", plan.Summary.NoOp)
}

// pendingChanges reports whether the plan contains anything other than no-ops.
func pendingChanges(plan *ir.Plan) bool {
	return plan.Summary.Create > 0 || plan.Summary.Update > 0 ||
		plan.Summary.Delete > 0 || plan.Summary.Replace > 0
}

// redactEntryValue hides values the schema marked sensitive.
func redactEntryValue(entry *ir.ResourceState, key string, v any) string {
	for _, s := range entry.Sensitive {
		if s == key {
			return sensitivePlaceholder
		}
	}
	return formatValue(v)
}
