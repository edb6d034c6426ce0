package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/weft/internal/app"
	"github.com/me/weft/internal/engine"
	"github.com/me/weft/pkg/model"
)

const previewWidth = 48

func newRunCmd() *cobra.Command {
	var ef engineFlags
	var wi workflowInput
	var outDir string
	var asJSON bool
	var quiet bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow locally and print its results",
		Long: `Compile and execute a workflow in-process. Progress is written to stderr,
results to stdout. With --outdir every output that has a file
representation is written as <node>.<port><ext> to the given directory,
file://, http(s):// or s3:// prefix.

The command fails when the workflow fails to compile or the run does not
succeed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stderr := cmd.ErrOrStderr()
			var opts []app.Option
			if !quiet {
				opts = append(opts, app.WithObserver(progressObserver(stderr)))
			}
			a, err := ef.newApp(cmd, opts...)
			if err != nil {
				return err
			}
			spec, err := wi.load(a.Parser, args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			c, err := a.Engine.Compile(ctx, spec)
			if err != nil {
				return fmt.Errorf("compile: %w", err)
			}
			res, err := a.Engine.Execute(ctx, c)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printRun(out, res)
			}

			if outDir != "" && res.Status == model.RunStatusSucceeded {
				pushed, err := a.Data.PushOutputs(ctx, a.Registry, res, outDir)
				if err != nil {
					return fmt.Errorf("write outputs: %w", err)
				}
				var total uint64
				for _, p := range pushed {
					total += uint64(p.Bytes)
					fmt.Fprintf(stderr, "wrote %s (%s)\n", p.Location, humanize.Bytes(uint64(p.Bytes)))
				}
				fmt.Fprintf(stderr, "%d outputs, %s total\n", len(pushed), humanize.Bytes(total))
			}

			if res.Status != model.RunStatusSucceeded {
				if err := res.Err(); err != nil {
					return fmt.Errorf("run %s %s: %w", res.ID, res.Status, err)
				}
				return fmt.Errorf("run %s %s", res.ID, res.Status)
			}
			return nil
		},
	}

	ef.register(cmd)
	wi.register(cmd)
	cmd.Flags().StringVarP(&outDir, "outdir", "o", "", "Write outputs to this directory or location prefix")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run result as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress messages")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Cancel the run after this long (0 for no limit)")
	return cmd
}

// progressObserver prints each node transition that matters to a user:
// starts and terminal states.
func progressObserver(w io.Writer) engine.Observer {
	var mu sync.Mutex
	return engine.ObserverFunc(func(ev model.Event) {
		if ev.To != model.NodeStateRunning && !ev.To.IsTerminal() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		line := fmt.Sprintf("%s  %-20s %s", ev.Time.Format("15:04:05.000"), ev.Node, ev.To)
		if ev.Error != "" {
			line += ": " + ev.Error
		}
		fmt.Fprintln(w, line)
	})
}

// printRun writes a run header and one row per node.
func printRun(w io.Writer, res *model.RunResult) {
	fmt.Fprintf(w, "Run %s: %s", res.ID, res.Status)
	if res.CompletedAt != nil {
		fmt.Fprintf(w, " in %s", res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)
	if res.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", res.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tANALYSIS\tSTATE\tDURATION\tOUTPUTS")
	for _, id := range res.NodeIDs() {
		n := res.Nodes[id]
		dur := "-"
		if d := n.Duration(); d > 0 {
			dur = d.Round(time.Millisecond).String()
		}
		detail := previewOutputs(n.Outputs)
		if n.Error != "" {
			detail = n.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, n.Analysis, n.State, dur, detail)
	}
	tw.Flush()
}

// previewOutputs renders outputs as port=value pairs, each value cut to a
// short JSON preview.
func previewOutputs(outputs map[string]model.Value) string {
	if len(outputs) == 0 {
		return ""
	}
	ports := make([]string, 0, len(outputs))
	for p := range outputs {
		ports = append(ports, p)
	}
	sort.Strings(ports)

	var s string
	for i, p := range ports {
		if i > 0 {
			s += " "
		}
		s += p + "=" + preview(outputs[p].Data)
	}
	return s
}

func preview(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	r := []rune(string(b))
	if len(r) > previewWidth {
		return string(r[:previewWidth-3]) + "..."
	}
	return string(r)
}
