// Package cli implements the weft command: local commands that run and
// inspect workflows in-process, and client commands that talk to a Weft
// server.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/weft/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagConfig    string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking WEFT_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("WEFT_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the weft CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "weft",
		Short: "Weft: typed workflows over heterogeneous analyses",
		Long: `Weft runs workflows of analyses whose ports are typed by (type, format)
pairs. Data is converted between formats automatically along the cheapest
registered path.

run, validate, formats and analyses work locally. submit, status, list,
cancel and events talk to a Weft server.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(flagLogLevel), flagLogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Weft server URL (or WEFT_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (YAML)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newFormatsCmd(),
		newAnalysesCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newEventsCmd(),
	)

	return root
}
