package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func newDiagramCmd(c *cli) *cobra.Command {
	var (
		workflowID string
		runID      string
		format     string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "diagram [workflow.json]",
		Short: "Draw the control flow of a workflow or run",
		Long: "Diagram draws a workflow file, a stored workflow (--id) or a run with its\n" +
			"step statuses (--run) as mermaid, text, png, svg or dot.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			given := 0
			for _, set := range []bool{len(args) == 1, workflowID != "", runID != ""} {
				if set {
					given++
				}
			}
			if given != 1 {
				return fmt.Errorf("give exactly one of a workflow file, --id or --run")
			}

			var (
				def     schema.Workflow
				records []*store.StepRecord
				err     error
			)
			if len(args) == 1 {
				def, err = readWorkflow(args[0])
			} else {
				def, records, err = c.loadDiagramSource(cmd.Context(), workflowID, runID)
			}
			if err != nil {
				return err
			}

			model, err := diagram.Build(&def, records)
			if err != nil {
				return err
			}
			out, err := renderDiagram(cmd.Context(), model, format)
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, out, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&workflowID, "id", "", "draw a stored workflow")
	cmd.Flags().StringVar(&runID, "run", "", "draw the workflow of a run with its step statuses")
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid, text, png, svg, dot")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

// loadDiagramSource reads a stored workflow, or the workflow and step records
// of a run.
func (c *cli) loadDiagramSource(ctx context.Context, workflowID, runID string) (schema.Workflow, []*store.StepRecord, error) {
	a, err := c.openApp(ctx)
	if err != nil {
		return schema.Workflow{}, nil, err
	}
	defer a.Close()

	var records []*store.StepRecord
	if runID != "" {
		report, err := a.runner.Status(ctx, runID)
		if err != nil {
			return schema.Workflow{}, nil, err
		}
		workflowID = report.Run.WorkflowID
		records = report.Steps
	}
	wf, err := a.runner.Workflow(ctx, workflowID)
	if err != nil {
		return schema.Workflow{}, nil, err
	}
	return wf.Definition, records, nil
}

func renderDiagram(ctx context.Context, model *diagram.DiagramModel, format string) ([]byte, error) {
	switch format {
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "text":
		return []byte(diagram.RenderASCII(model)), nil
	case "png":
		return diagram.RenderImage(ctx, model, diagram.FormatPNG)
	case "svg":
		return diagram.RenderImage(ctx, model, diagram.FormatSVG)
	case "dot":
		return diagram.RenderImage(ctx, model, diagram.FormatDOT)
	default:
		return nil, fmt.Errorf("unknown diagram format %q", format)
	}
}
