package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a running run, or delete a finished one with --delete",
		Long: `Cancel stops the server from scheduling further nodes of a run. Nodes
already running finish and are reported; the rest are skipped. With
--delete a finished run and its events are removed from the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			out := cmd.OutOrStdout()

			if remove {
				if _, err := client.Delete("/api/v1/runs/" + url.PathEscape(id)); err != nil {
					return fmt.Errorf("delete run: %w", err)
				}
				fmt.Fprintf(out, "Run %s deleted\n", id)
				return nil
			}

			if _, err := client.Put("/api/v1/runs/"+url.PathEscape(id)+"/cancel", nil); err != nil {
				return fmt.Errorf("cancel run: %w", err)
			}
			fmt.Fprintf(out, "Run %s: cancel requested\n", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "delete", false, "Delete a finished run instead of cancelling")
	return cmd
}
