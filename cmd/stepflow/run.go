package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		workflowID string
		inputsJSON string
		inputPairs []string
		follow     bool
	)
	cmd := &cobra.Command{
		Use:   "run [workflow.json]",
		Short: "Run a workflow to completion and print its run report",
		Long: "Run defines the workflow in the given file (or picks a stored one with --id),\n" +
			"runs it in the foreground and prints the run report as JSON.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (workflowID != "") {
				return fmt.Errorf("give either a workflow file or --id")
			}
			inputs, err := parseInputs(inputsJSON, inputPairs)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := c.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				def, err := readWorkflow(args[0])
				if err != nil {
					return err
				}
				wf, result, err := a.runner.Define(ctx, def)
				if result != nil {
					printIssues(cmd.ErrOrStderr(), args[0], result)
				}
				if err != nil {
					return err
				}
				workflowID = wf.ID
			}

			if follow {
				stop, err := followEvents(ctx, a.hub, workflowID, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				defer stop()
			}

			run, runErr := a.runner.Run(ctx, workflowID, inputs)
			if run == nil {
				return runErr
			}
			report, err := a.runner.Status(ctx, run.ID)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&workflowID, "id", "", "run a stored workflow instead of a file")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "inputs as a JSON object")
	cmd.Flags().BoolVar(&follow, "follow", false, "print run events to stderr as they are recorded")
	cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "one input as name=value; the value is read as JSON when it parses")
	return cmd
}

// followEvents prints the events of workflowID's runs to w until stop is
// called. stop returns once every received event is printed.
func followEvents(ctx context.Context, hub streaming.EventHub, workflowID string, w io.Writer) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			line := fmt.Sprintf("%s #%d %s", e.Timestamp.Format(time.TimeOnly), e.Sequence, e.Type)
			if e.StepID != "" {
				line += " step=" + e.StepID
			}
			if len(e.Payload) > 0 {
				line += " " + string(e.Payload)
			}
			fmt.Fprintln(w, line)
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

// readWorkflow decodes a workflow file, rejecting unknown fields.
func readWorkflow(path string) (schema.Workflow, error) {
	var def schema.Workflow
	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read workflow: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("decode %s: %w", path, err)
	}
	return def, nil
}

// parseInputs merges --inputs with the --input pairs, pairs winning.
func parseInputs(raw string, pairs []string) (map[string]any, error) {
	inputs := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return nil, fmt.Errorf("--inputs: %w", err)
		}
	}
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--input %q: want name=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		inputs[name] = v
	}
	return inputs, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
