package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/me/weft/pkg/model"
)

func newAnalysesCmd() *cobra.Command {
	var ef engineFlags
	var mode string

	cmd := &cobra.Command{
		Use:   "analyses [id]",
		Short: "List catalogued analyses, or describe one",
		Long: `List the built-in analyses plus any loaded with --analyses (or the
analyses_dir setting). Given an id, print that analysis with its ports.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "" && !model.Mode(mode).Valid() {
				return fmt.Errorf("unknown mode %q", mode)
			}
			a, err := ef.newApp(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				an, ok := a.Catalog.Get(args[0])
				if !ok {
					return fmt.Errorf("analysis %q not found", args[0])
				}
				describeAnalysis(out, an)
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODE\tINPUTS\tOUTPUTS\tDESCRIPTION")
			for _, an := range a.Catalog.List() {
				if mode != "" && string(an.Mode) != mode {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", an.ID, an.Mode, len(an.Inputs), len(an.Outputs), an.Description)
			}
			return tw.Flush()
		},
	}

	ef.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", "", "Only list analyses of this mode (native, interpreter, container, workflow)")
	return cmd
}

func describeAnalysis(w io.Writer, a *model.Analysis) {
	fmt.Fprintf(w, "%s (%s)\n", a.DisplayName(), a.ID)
	fmt.Fprintf(w, "  Mode: %s\n", a.Mode)
	if a.Description != "" {
		fmt.Fprintf(w, "  %s\n", a.Description)
	}
	ports := func(title string, ps []model.Port) {
		fmt.Fprintf(w, "  %s:\n", title)
		if len(ps) == 0 {
			fmt.Fprintln(w, "    (none)")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, p := range ps {
			var note string
			switch {
			case p.HasDefault():
				note = fmt.Sprintf("default %s", preview(p.Default))
			case p.Optional:
				note = "optional"
			}
			fmt.Fprintf(tw, "    %s\t%s\t%s\t%s\n", p.Name, p.Ref(), note, p.Description)
		}
		tw.Flush()
	}
	ports("Inputs", a.Inputs)
	ports("Outputs", a.Outputs)
}
