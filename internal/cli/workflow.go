package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/tacx/internal/config"
	"github.com/lucasnoah/tacx/internal/stage"
)

var workflowFile string

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Validate and inspect the stage workflow",
}

var workflowValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the workflow file",
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := resolveWorkflow()
		var cerr *config.ConfigError
		if errors.As(err, &cerr) {
			cmd.Println("Validation errors:")
			for _, e := range cerr.Errors {
				cmd.Printf("  - %s\n", e)
			}
			return fmt.Errorf("workflow has %d validation error(s)", len(cerr.Errors))
		}
		if err != nil {
			return err
		}

		var missing []string
		for _, name := range stage.Order {
			if wf.GetStage(name) == nil {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			cmd.Println("Validation errors:")
			for _, name := range missing {
				cmd.Printf("  - workflow.stages: missing required stage %q\n", name)
			}
			return fmt.Errorf("workflow has %d validation error(s)", len(missing))
		}

		cmd.Printf("Workflow is valid: %d stages.\n", len(wf.Stages))
		return nil
	},
}

var workflowShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved workflow with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := resolveWorkflow()
		if err != nil {
			return err
		}

		data, err := wf.Marshal()
		if err != nil {
			return fmt.Errorf("marshalling workflow: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

// resolveWorkflow prefers -f, then the workflow_file setting, then the
// default search path.
func resolveWorkflow() (*config.Workflow, error) {
	if workflowFile != "" {
		return config.Load(workflowFile)
	}
	return loadWorkflow(settings().WorkflowFile)
}

func init() {
	workflowCmd.PersistentFlags().StringVarP(&workflowFile, "file", "f", "", "path to workflow file")
	workflowCmd.AddCommand(workflowValidateCmd)
	workflowCmd.AddCommand(workflowShowCmd)
}
