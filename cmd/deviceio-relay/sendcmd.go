package main

import (
	"context"
	"encoding/json"

	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sendcmd = &cobra.Command{
	Use:   "send <event> [json]",
	Short: "connects to a hub, sends one event and disconnects",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload json.RawMessage

		if len(args) == 2 {
			payload = json.RawMessage(args[1])
		}

		return send(cmd.Context(), logrus.StandardLogger(), args[0], payload)
	},
}

var _ = func() (ret bool) {
	addRelayFlags(sendcmd)

	return
}()

func send(ctx context.Context, logger logrus.FieldLogger, event string, payload json.RawMessage) error {
	if payload != nil && !json.Valid(payload) {
		return stacktrace.NewError("payload for %v is not valid json", event)
	}

	client := newRelayClient(logger, nil)

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	var data interface{}

	if payload != nil {
		data = payload
	}

	if !client.Send(event, data) {
		return stacktrace.NewError("failed to send %v", event)
	}

	logger.WithField("event", event).Info("event sent")

	return nil
}
