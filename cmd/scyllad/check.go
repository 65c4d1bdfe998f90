package main

import (
	"fmt"

	"github.com/agentuity/scylla/config"
	"github.com/agentuity/scylla/connector"
	"github.com/agentuity/scylla/env"
	"github.com/agentuity/scylla/resilience"
	"github.com/agentuity/scylla/sys"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func runCheck(cmd *cobra.Command, _ []string) error {
	log := env.NewLogger(cmd)
	cfg, err := loadConfig(cmd, log)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if dump, _ := cmd.Flags().GetBool("print"); dump {
		buf, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "error encoding configuration")
		}
		fmt.Fprintf(out, "%s\n", buf)
	}

	conns, missing, err := cfg.Connectors(resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()), log)
	if err != nil {
		return err
	}
	for _, name := range cfg.ScopeNames() {
		conn, ok := conns[name]
		if !ok {
			continue
		}
		if dsn := conn.Scope().DSN; dsn != "" {
			fmt.Fprintf(out, "%-12s configured, default dsn %s\n", name, connector.MaskDSN(dsn))
		} else {
			fmt.Fprintf(out, "%-12s configured\n", name)
		}
	}
	for _, err := range missing {
		fmt.Fprintf(out, "%s\n", err)
	}
	if cfg.Cache.Backend == config.Redis && sys.IsLocalhost(cfg.Cache.RedisURL) {
		fmt.Fprintf(out, "note: the redis cache at %s is local, other hosts won't share it\n", cfg.Cache.RedisURL)
	}
	if len(conns) == 0 {
		return errors.New("no scope is configured")
	}
	return nil
}
