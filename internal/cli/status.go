package cli

import (
	"fmt"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/weft/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show the state of a run on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/runs/" + url.PathEscape(id))
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			var run model.RunResult
			if err := resp.decode(&run); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printRun(out, &run)

			s := run.Summarize()
			fmt.Fprintf(out, "  Nodes:     %d total, %d succeeded, %d running, %d pending, %d failed, %d skipped\n",
				s.Total, s.Succeeded, s.Running, s.Pending+s.Ready, s.Failed, s.Skipped)
			fmt.Fprintf(out, "  Started:   %s\n", humanize.Time(run.StartedAt))
			if run.CompletedAt != nil {
				fmt.Fprintf(out, "  Completed: %s\n", humanize.Time(*run.CompletedAt))
			}
			return nil
		},
	}
}
