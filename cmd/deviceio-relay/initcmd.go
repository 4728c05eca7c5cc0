package main

import (
	"fmt"

	"github.com/deviceio/relay/config"
	"github.com/deviceio/relay/installer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	initdir    string
	initbindir string
)

var initcmd = &cobra.Command{
	Use:   "init",
	Short: "creates the config folder and writes a default config file",
	// init runs before a config exists, so only the log flags apply
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return (&config.LogConfig{Level: loglevel, Format: logformat}).Apply(logrus.StandardLogger())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := installer.Install(&installer.Options{
			ConfigDir: initdir,
			BinDir:    initbindir,
			Logger:    logrus.StandardLogger(),
		})

		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), path)

		return nil
	},
}

var _ = func() (ret bool) {
	initcmd.Flags().StringVar(&initdir, "dir", config.DefaultConfigDir, `folder receiving config.yaml`)
	initcmd.Flags().StringVar(&initbindir, "bin-dir", "", `when set, the running binary is copied into this folder`)

	return
}()
