package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var ef engineFlags
	var wi workflowInput

	cmd := &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Compile a workflow without running it",
		Long: `Resolve every node's analysis, check the graph for cycles, dangling ports,
unbound inputs and unconvertible edges, and print the execution order and
the conversion planned for each edge.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ef.newApp(cmd)
			if err != nil {
				return err
			}
			spec, err := wi.load(a.Parser, args[0])
			if err != nil {
				return err
			}
			c, err := a.Engine.Compile(cmd.Context(), spec)
			if err != nil {
				return fmt.Errorf("invalid workflow: %w", err)
			}

			out := cmd.OutOrStdout()
			name := c.Spec.ID
			if c.Spec.Name != "" {
				name = c.Spec.Name
			}
			fmt.Fprintf(out, "Workflow %s: valid\n", name)
			fmt.Fprintf(out, "  Nodes: %d\n", len(c.Plan.Order))
			fmt.Fprintln(out, "  Order:")
			for i, id := range c.Plan.Order {
				fmt.Fprintf(out, "    %d. %s\n", i+1, id)
			}

			edges := 0
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, id := range c.Plan.Order {
				for _, pe := range c.Plan.Outbound[id] {
					if edges == 0 {
						fmt.Fprintln(tw, "  EDGE\tCONVERSION\tCOST\tLOSSLESS")
					}
					edges++
					fmt.Fprintf(tw, "  %s\t%s\t%g\t%t\n", pe.Edge, pe.Path, pe.Path.Cost(), pe.Path.Lossless())
				}
			}
			tw.Flush()
			if edges == 0 {
				fmt.Fprintln(out, "  No edges.")
			}
			return nil
		},
	}

	ef.register(cmd)
	wi.register(cmd)
	return cmd
}
