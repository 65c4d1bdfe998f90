package main

import (
	"github.com/agentuity/scylla/env"
	"github.com/spf13/cobra"
)

func runCleanup(cmd *cobra.Command, _ []string) error {
	log := env.NewLogger(cmd)
	cfg, err := loadConfig(cmd, log)
	if err != nil {
		return err
	}
	c, err := cfg.Cache.Open(cmd.Context(), log)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Cleanup(cmd.Context()); err != nil {
		return err
	}
	log.Info("cache cleaned up")
	return nil
}
