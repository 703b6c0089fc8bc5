package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/pkg/schema"
)

func newToolsCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the builtin tools and their signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := c.newRegistry()
			if err != nil {
				return err
			}
			infos := reg.List()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), infos)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPARAMETERS\tOUTPUTS\tDESCRIPTION")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					info.Name,
					formatParams(info.Signature.Parameters),
					formatOutputs(info.Signature.Outputs),
					info.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")
	return cmd
}

func formatParams(params []schema.ToolParameter) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		s := p.Name + ":" + typeName(p.Schema)
		if !p.Required {
			s += "?"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

func formatOutputs(outputs []schema.ToolOutput) string {
	parts := make([]string, 0, len(outputs))
	for _, o := range outputs {
		parts = append(parts, o.Name+":"+typeName(o.Schema))
	}
	return strings.Join(parts, ", ")
}

func typeName(s schema.ValueSchema) string {
	name := string(s.Type)
	if s.Array {
		name = "[]" + name
	}
	return name
}
