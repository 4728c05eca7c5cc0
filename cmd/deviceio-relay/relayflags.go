package main

import (
	"net/http"

	"github.com/deviceio/relay/gateway"
	"github.com/deviceio/relay/relay"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	relayurl      string
	relayrole     string
	relayid       string
	relayhostname string
	relaykind     string
)

// addRelayFlags adds the flags shared by commands that open a relay client.
func addRelayFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&relayurl, "url", "", `websocket url of the hub, defaults to relay.url from the config`)
	cmd.Flags().StringVar(&relayrole, "role", string(gateway.RoleDashboard), `role announced to the hub: device or dashboard`)
	cmd.Flags().StringVar(&relayid, "id", "", `uuid announced to the hub, generated by the hub when empty`)
	cmd.Flags().StringVar(&relayhostname, "hostname", "", `hostname announced to the hub`)
	cmd.Flags().StringVar(&relaykind, "kind", "", `device kind announced to the hub: esp32, arduino or raspberry-qc`)
}

// newRelayClient builds a client from the config and the relay flags.
// Notifications are logged.
func newRelayClient(logger logrus.FieldLogger, notify func(relay.Notification)) *relay.Client {
	opts := cfg.Relay.Options(relayurl, logger)

	opts.Header = http.Header{}
	opts.Header.Set(gateway.HeaderRole, relayrole)

	for header, value := range map[string]string{
		gateway.HeaderID:       relayid,
		gateway.HeaderHostname: relayhostname,
		gateway.HeaderKind:     relaykind,
	} {
		if value != "" {
			opts.Header.Set(header, value)
		}
	}

	opts.Notify = func(n relay.Notification) {
		entry := logger.WithField("notification", true)

		switch n.Level {
		case relay.NotifyError:
			entry.Error(n.Message)
		case relay.NotifyWarning:
			entry.Warn(n.Message)
		default:
			entry.Info(n.Message)
		}

		if notify != nil {
			notify(n)
		}
	}

	return relay.New(opts)
}
