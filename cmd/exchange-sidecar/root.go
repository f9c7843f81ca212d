package main

import (
	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-exchange/pkg/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "exchange-sidecar",
		Short:         "Reliable outbox/inbox message exchange",
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory holding sidecar.yaml")

	load := func() (*config.Settings, error) {
		return config.LoadFromFile(configPath)
	}
	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newDeadLettersCmd(load))
	return cmd
}

type settingsLoader func() (*config.Settings, error)
