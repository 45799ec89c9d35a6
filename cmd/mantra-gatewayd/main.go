// mantra-gatewayd is the desktop-resident MCP gateway daemon: it takes
// over AI assistant configurations, multiplexes their MCP traffic into
// every registered backend service, and exposes the IPC command surface
// the desktop shell drives.
package main

import (
	"fmt"
	"os"

	"github.com/mantragw/mantra-gateway/internal/config"
	"github.com/mantragw/mantra-gateway/internal/logging"
	"github.com/spf13/cobra"
)

// Set via -ldflags "-X main.version=...".
var version = "dev"

var (
	flagDataDir  string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "mantra-gatewayd",
		Short:         "MCP gateway and aggregator for AI coding assistants",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default ~/.mantra-gateway)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: trace|debug|info|warn|error")

	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
		newMigrateCmd(),
		newTakeoverCmd(),
		newDoctorCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mantra-gatewayd %s\n", version)
		},
	}
}

// loadConfig resolves configuration and initializes logging for a
// subcommand. format "console" suits one-shot commands; the daemon passes
// json plus the rotating file sink.
func loadConfig(format string, withFile bool) (*config.Config, error) {
	cfg, err := config.Load(flagDataDir)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	logCfg := logging.Config{Level: cfg.LogLevel, Format: format, Component: "gatewayd"}
	if withFile {
		logCfg.File = cfg.LogFilePath()
	}
	logging.Init(logCfg)
	return cfg, nil
}
