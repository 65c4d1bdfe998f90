// Command scyllad is the caching query proxy daemon.
package main

import (
	"fmt"
	"os"

	"github.com/agentuity/scylla/config"
	"github.com/agentuity/scylla/env"
	"github.com/agentuity/scylla/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	// database/sql drivers available to scopes
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "scyllad",
		Short:         "Caching query proxy for SQL warehouses",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	flags := root.PersistentFlags()
	flags.StringP("config", "c", config.DefaultPath, "path to the configuration file")
	flags.StringP("port", "p", "", "port to listen on, overrides listen")
	flags.StringP("format", "f", "", "result format: csv, json or msgpack")
	flags.String("log-level", "info", "log level: trace, debug, info, warn or error")
	flags.String("log-format", "console", "log format: console or json")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and list the usable scopes",
		RunE:  runCheck,
	}
	check.Flags().Bool("print", false, "print the effective configuration as YAML")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the daemon (default)",
			RunE:  runServe,
		},
		check,
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove expired and stale entries from the cache",
			RunE:  runCleanup,
		},
	)
	return root
}

// loadConfig reads the configuration file and applies flag and environment
// overrides on top of it.
func loadConfig(cmd *cobra.Command, log logger.Logger) (*config.Config, error) {
	path := env.FlagOrEnv(cmd, "config", env.Prefix+"CONFIG", config.DefaultPath)
	cfg, found, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if !found {
		log.Warn("%s not found, using the built-in defaults", path)
	}
	if port := env.FlagOrEnv(cmd, "port", env.Prefix+"PORT", ""); port != "" {
		cfg.Listen = ":" + port
	}
	if format := env.FlagOrEnv(cmd, "format", env.Prefix+"FORMAT", ""); format != "" {
		cfg.Format = format
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	return cfg, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scyllad: %s\n", err)
		os.Exit(1)
	}
}
