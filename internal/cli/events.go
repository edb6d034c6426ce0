package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/me/weft/pkg/model"
)

func newEventsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:     "events <run_id>",
		Aliases: []string{"logs"},
		Short:   "Show the node transitions recorded for a run",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			out := cmd.OutOrStdout()

			if follow {
				return followRun(cmd, id)
			}

			resp, err := client.Get("/api/v1/runs/" + url.PathEscape(id) + "/events")
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			var events []model.Event
			if err := resp.decode(&events); err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No events recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tNODE\tFROM\tTO\tERROR")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ev.Time.Format("15:04:05.000"), ev.Node, ev.From, ev.To, ev.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream transitions until the run finishes")
	return cmd
}

// followRun prints transitions from the server's event stream as they
// arrive and the final status once the run completes.
func followRun(cmd *cobra.Command, id string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
		client.BaseURL+"/api/v1/sse/runs/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	stream := &http.Client{Transport: client.HTTPClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open event stream: %s", resp.Status)
	}

	out := cmd.OutOrStdout()
	return readSSE(resp.Body, func(event string, data []byte) (bool, error) {
		switch event {
		case "init":
			var run model.RunResult
			if err := json.Unmarshal(data, &run); err != nil {
				return false, err
			}
			fmt.Fprintf(out, "Run %s: %s (%d nodes)\n", run.ID, run.Status, len(run.Nodes))
		case "transition":
			var ev model.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				return false, err
			}
			line := fmt.Sprintf("%s  %-20s %s -> %s", ev.Time.Format("15:04:05.000"), ev.Node, ev.From, ev.To)
			if ev.Error != "" {
				line += ": " + ev.Error
			}
			fmt.Fprintln(out, line)
		case "complete":
			var run model.RunResult
			if err := json.Unmarshal(data, &run); err != nil {
				return false, err
			}
			fmt.Fprintf(out, "Run %s: %s\n", run.ID, run.Status)
			return true, nil
		}
		return false, nil
	})
}

// readSSE calls fn for each event in an event stream until fn reports done
// or the stream ends. Comment lines are ignored.
func readSSE(r io.Reader, fn func(event string, data []byte) (bool, error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8<<20)

	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event == "" && len(data) == 0 {
				continue
			}
			done, err := fn(event, []byte(strings.Join(data, "\n")))
			if err != nil || done {
				return err
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}
