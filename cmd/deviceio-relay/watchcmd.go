package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/deviceio/relay/relay"
	"github.com/deviceio/relay/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var watchevents []string

var watchcmd = &cobra.Command{
	Use:   "watch",
	Short: "connects to a hub and logs the named events it relays",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return watch(ctx, logrus.StandardLogger())
	},
}

var _ = func() (ret bool) {
	addRelayFlags(watchcmd)
	watchcmd.Flags().StringSliceVar(&watchevents, "event", telemetry.Events, `event names to log. repeat or comma separate`)

	return
}()

// watch logs events until ctx is cancelled or the client gives up
// reconnecting.
func watch(ctx context.Context, logger logrus.FieldLogger) error {
	gaveup := make(chan struct{})
	var once sync.Once

	client := newRelayClient(logger, func(n relay.Notification) {
		if n.Level == relay.NotifyError {
			once.Do(func() { close(gaveup) })
		}
	})

	for _, event := range watchevents {
		event := event
		client.OnEvent(event, func(data json.RawMessage) {
			logger.WithFields(logrus.Fields{
				"event": event,
				"data":  string(data),
			}).Info("event received")
		})
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	select {
	case <-ctx.Done():
	case <-gaveup:
		logger.Warn("watch stopped, hub unreachable")
	}

	return nil
}
