package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

func newValidateCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate workflow.json...",
		Short: "Check workflow files against the builtin tools",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := c.newRegistry()
			if err != nil {
				return err
			}
			validator, err := validation.NewWorkflowValidator(reg)
			if err != nil {
				return err
			}

			results := make(map[string]*schema.ValidationResult, len(args))
			invalid := 0
			for _, path := range args {
				result := validateFile(validator, path)
				results[path] = result
				if !result.Valid() {
					invalid++
				}
				if !asJSON {
					printIssues(cmd.OutOrStdout(), path, result)
				}
			}
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d workflows invalid", invalid, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

// validateFile checks the raw document first, then the decoded workflow.
func validateFile(v *validation.WorkflowValidator, path string) *schema.ValidationResult {
	raw, err := os.ReadFile(path)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, err.Error())
		return r
	}
	if r := v.ValidateDocument(raw); !r.Valid() {
		return r
	}
	def, err := readWorkflow(path)
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, err.Error())
		return r
	}
	return v.Validate(&def)
}

func printIssues(w io.Writer, name string, r *schema.ValidationResult) {
	for _, issue := range r.Errors {
		fmt.Fprintf(w, "%s: error %s [%s] %s\n", name, issue.Path, issue.Code, issue.Message)
	}
	for _, issue := range r.Warnings {
		fmt.Fprintf(w, "%s: warning %s [%s] %s\n", name, issue.Path, issue.Code, issue.Message)
	}
	if r.Valid() && len(r.Warnings) == 0 {
		fmt.Fprintf(w, "%s: ok\n", name)
	}
}
