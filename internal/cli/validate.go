package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/engine"
	"github.com/stackform-io/stackform/internal/eval"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate Pkl configuration files",
	Long: `Validates the configuration: Pkl syntax and types, reference targets,
and dependency cycles.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}

	fmt.Println("Validating configuration...")

	evaluator := eval.NewEvaluator(wd)

	fmt.Printf("Checking %s... ", entryPoint)
	cfg, err := evaluator.LoadConfig(cmd.Context(), entryPoint, nil)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Println("OK")

	// A graph build catches unresolved references and dependency cycles.
	fmt.Print("Checking references... ")
	if _, err := engine.BuildGraph(cfg, engine.Expand(cfg.Resources)); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Println("OK")

	fmt.Println("\nConfiguration is valid!")
	return nil
}
