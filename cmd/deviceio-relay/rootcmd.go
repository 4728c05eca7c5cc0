package main

import (
	"github.com/deviceio/relay/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgfile   string
	loglevel  string
	logformat string

	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

var rootcmd = &cobra.Command{
	Use:   "deviceio-relay",
	Short: "Deviceio Relay moves telemetry and control events between devices and dashboards",
	Long:  `Deviceio Relay runs the hub that devices and dashboards connect to, and provides client commands to watch and send events or query the device registry`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
	SilenceUsage: true,
}

var _ = func() (ret bool) {
	rootcmd.PersistentFlags().StringVar(&cfgfile, "config", "", `path to a yaml or json config file. defaults to ./deviceio-relay.yaml, ~/.deviceio/relay.yaml or /etc/deviceio/relay/config.yaml when present`)
	rootcmd.PersistentFlags().StringVar(&loglevel, "log-level", "info", `log level: trace, debug, info, warn or error`)
	rootcmd.PersistentFlags().StringVar(&logformat, "log-format", "text", `log format: text or json`)

	viper.BindPFlag("log.level", rootcmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootcmd.PersistentFlags().Lookup("log-format"))

	return
}()

func loadConfig() error {
	var err error

	if cfg, err = config.Load(cfgfile); err != nil {
		return err
	}

	return cfg.Log.Apply(logrus.StandardLogger())
}
