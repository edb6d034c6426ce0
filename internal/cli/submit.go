package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/me/weft/internal/parser"
	"github.com/me/weft/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var wi workflowInput
	var dryRun bool
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit <workflow.yaml>",
		Short: "Submit a workflow to a Weft server",
		Long: `Parse a workflow locally ($import directives are resolved relative to the
workflow file), bind inputs, and submit it to the server. The server does
not read local files, so file locations must be http(s):// or s3://.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := wi.load(parser.New(logger), args[0])
			if err != nil {
				return err
			}
			req := map[string]any{"workflow": spec}
			out := cmd.OutOrStdout()

			if dryRun {
				resp, err := client.Post("/api/v1/workflows/validate", req)
				if err != nil {
					printDetails(cmd.ErrOrStderr(), err)
					return fmt.Errorf("validate workflow: %w", err)
				}
				var v validateResult
				if err := resp.decode(&v); err != nil {
					return err
				}
				printDryRun(out, v)
				return nil
			}

			path := "/api/v1/runs/"
			if wait {
				path += "?wait=true"
			}
			resp, err := client.Post(path, req)
			if err != nil {
				printDetails(cmd.ErrOrStderr(), err)
				return fmt.Errorf("submit run: %w", err)
			}
			var run model.RunResult
			if err := resp.decode(&run); err != nil {
				return err
			}
			if !wait {
				fmt.Fprintf(out, "Run submitted: %s (status: %s, %d nodes)\n", run.ID, run.Status, len(run.Nodes))
				return nil
			}
			printRun(out, &run)
			if run.Status != model.RunStatusSucceeded {
				return fmt.Errorf("run %s %s", run.ID, run.Status)
			}
			return nil
		},
	}

	wi.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate on the server without running")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish and print its result")
	return cmd
}

// validateResult mirrors the server's validation response.
type validateResult struct {
	Valid      bool     `json:"valid"`
	WorkflowID string   `json:"workflow_id"`
	Order      []string `json:"order"`
	Edges      []struct {
		Edge     string  `json:"edge"`
		Path     string  `json:"path"`
		Cost     float64 `json:"cost"`
		Lossless bool    `json:"lossless"`
	} `json:"edges"`
}

func printDryRun(w io.Writer, v validateResult) {
	fmt.Fprintf(w, "Dry-run: %s\n", v.WorkflowID)
	if v.Valid {
		fmt.Fprintln(w, "  Workflow: valid")
	} else {
		fmt.Fprintln(w, "  Workflow: INVALID")
	}
	fmt.Fprintf(w, "  Order: %v\n", v.Order)
	if len(v.Edges) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  EDGE\tCONVERSION\tCOST")
		for _, e := range v.Edges {
			fmt.Fprintf(tw, "  %s\t%s\t%g\n", e.Edge, e.Path, e.Cost)
		}
		tw.Flush()
	}
	fmt.Fprintln(w, "No run created (dry-run mode).")
}
