package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/deviceio/relay/api"
	"github.com/deviceio/relay/auth"
	"github.com/deviceio/relay/db"
	"github.com/palantir/stacktrace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	apiurl     string
	apiuser    string
	apitotp    string
	apiprivkey string
)

var devicescmd = &cobra.Command{
	Use:   "devices [deviceid]",
	Short: "lists registered devices, or shows one device and its latest snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()

		if err != nil {
			return err
		}

		if len(args) == 1 {
			return showDevice(cmd.Context(), client, args[0], cmd.OutOrStdout())
		}

		return listDevices(cmd.Context(), client, cmd.OutOrStdout())
	},
}

var devicesendcmd = &cobra.Command{
	Use:   "send <deviceid> <event> [json]",
	Short: "sends a control event to a connected device through the api",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()

		if err != nil {
			return err
		}

		var payload interface{}

		if len(args) == 3 {
			if !json.Valid([]byte(args[2])) {
				return stacktrace.NewError("payload for %v is not valid json", args[1])
			}
			payload = json.RawMessage(args[2])
		}

		if err = client.SendEvent(cmd.Context(), args[0], args[1], payload); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%v accepted for %v\n", args[1], args[0])

		return nil
	},
}

var _ = func() (ret bool) {
	devicescmd.AddCommand(devicesendcmd)

	devicescmd.PersistentFlags().StringVar(&apiurl, "api", "http://127.0.0.1:4431", `base url of the hub api`)
	devicescmd.PersistentFlags().StringVar(&apiuser, "user", "", `api user id, login or email`)
	devicescmd.PersistentFlags().StringVar(&apitotp, "totp-secret", "", `totp secret of the api user`)
	devicescmd.PersistentFlags().StringVar(&apiprivkey, "private-key", "", `base64 ed25519 private key of the api user`)

	viper.BindPFlag("client.api", devicescmd.PersistentFlags().Lookup("api"))
	viper.BindPFlag("client.user", devicescmd.PersistentFlags().Lookup("user"))
	viper.BindPFlag("client.totp_secret", devicescmd.PersistentFlags().Lookup("totp-secret"))
	viper.BindPFlag("client.private_key", devicescmd.PersistentFlags().Lookup("private-key"))

	return
}()

func newAPIClient() (*api.Client, error) {
	var creds *api.Credentials

	if cfg.Client.User != "" {
		key, err := auth.ParsePrivateKey(cfg.Client.PrivateKey)

		if err != nil {
			return nil, err
		}

		creds = &api.Credentials{
			UserID:     cfg.Client.User,
			TOTPSecret: cfg.Client.TOTPSecret,
			PrivateKey: key,
		}
	}

	return api.NewClient(strings.TrimRight(cfg.Client.API, "/"), creds), nil
}

func listDevices(ctx context.Context, client *api.Client, out io.Writer) error {
	devices, err := client.ListDevices(ctx)

	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOSTNAME\tKIND\tCONNECTED\tLAST ACTIVITY")

	for _, d := range devices {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n", d.ID, d.Hostname, d.Kind, d.IsConnected, lastActivity(d))
	}

	return w.Flush()
}

func showDevice(ctx context.Context, client *api.Client, deviceid string, out io.Writer) error {
	detail, err := client.GetDevice(ctx, deviceid)

	if err != nil {
		return err
	}

	b, err := json.MarshalIndent(detail, "", "  ")

	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, string(b))

	return err
}

func lastActivity(d *db.Device) string {
	if d.LastActivity == nil {
		return "-"
	}
	return d.LastActivity.Local().Format(time.RFC3339)
}
