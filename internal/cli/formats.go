package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/me/weft/internal/formats"
	"github.com/me/weft/pkg/model"
)

func newFormatsCmd() *cobra.Command {
	var typeName string

	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List registered types, formats and converters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := formats.NewRegistry()
			if err != nil {
				return err
			}
			if typeName != "" && !reg.HasType(typeName) {
				return fmt.Errorf("unknown type %q", typeName)
			}

			out := cmd.OutOrStdout()
			for _, t := range reg.Types() {
				if typeName != "" && t.Name != typeName {
					continue
				}
				fmt.Fprintf(out, "%s: %s\n", t.Name, t.Description)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, f := range reg.Formats(t.Name) {
					var flags []string
					if f.Validator != nil {
						flags = append(flags, "validated")
					}
					if f.Codec != nil {
						flags = append(flags, "file:"+f.Codec.Ext)
					}
					fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.Ref.Format, strings.Join(flags, ","), f.Description)
				}
				tw.Flush()
			}

			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CONVERTER\tCOST\tLOSSLESS")
			for _, c := range reg.Converters() {
				if typeName != "" && c.From.Type != typeName {
					continue
				}
				fmt.Fprintf(tw, "%s -> %s\t%g\t%t\n", c.From, c.To.Format, c.Cost, c.Lossless)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&typeName, "type", "t", "", "Only show this type")
	cmd.AddCommand(newFormatsPathCmd())
	return cmd
}

func newFormatsPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <type/format> <type/format>",
		Short: "Show the conversion path the engine would plan between two formats",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := model.ParseFormatRef(args[0])
			if err != nil {
				return err
			}
			to, err := model.ParseFormatRef(args[1])
			if err != nil {
				return err
			}
			reg, err := formats.NewRegistry()
			if err != nil {
				return err
			}
			p, err := reg.FindPath(from, to)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, p)
			fmt.Fprintf(out, "  Hops: %d  Cost: %g  Lossless: %t\n", p.Hops(), p.Cost(), p.Lossless())
			for i, c := range p.Steps {
				fmt.Fprintf(out, "  %d. %s -> %s (cost %g)\n", i+1, c.From, c.To.Format, c.Cost)
			}
			return nil
		},
	}
}
