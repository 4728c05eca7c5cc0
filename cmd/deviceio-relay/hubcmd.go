package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deviceio/relay/api"
	"github.com/deviceio/relay/auth"
	"github.com/deviceio/relay/config"
	"github.com/deviceio/relay/db"
	"github.com/deviceio/relay/gateway"
	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	hubbind string
	hubcert string
	hubkey  string
	apibind string
	apicert string
	apikey  string
	dbpath  string
)

var hubcmd = &cobra.Command{
	Use:   "hub",
	Short: "starts an instance of the Deviceio Relay hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runHub(ctx, cfg, logrus.StandardLogger())
	},
}

var _ = func() (ret bool) {
	hubcmd.PersistentFlags().StringVar(&hubbind, "hub-bind", ":8975", `host:port the websocket gateway binds to. empty host (ex: :port) binds to all interfaces`)
	hubcmd.PersistentFlags().StringVar(&hubcert, "hub-tls-cert", "", `path to tls cert for the websocket gateway`)
	hubcmd.PersistentFlags().StringVar(&hubkey, "hub-tls-key", "", `path to tls key for the websocket gateway`)
	hubcmd.PersistentFlags().StringVar(&apibind, "api-bind", ":4431", `host:port the api server binds to. empty host (ex: :port) binds to all interfaces`)
	hubcmd.PersistentFlags().StringVar(&apicert, "api-tls-cert", "", `path to tls cert for the api server`)
	hubcmd.PersistentFlags().StringVar(&apikey, "api-tls-key", "", `path to tls key for the api server`)
	hubcmd.PersistentFlags().StringVar(&dbpath, "db", "deviceio-relay.db", `path to the sqlite database`)

	viper.BindPFlag("hub.bind", hubcmd.PersistentFlags().Lookup("hub-bind"))
	viper.BindPFlag("hub.tls_cert", hubcmd.PersistentFlags().Lookup("hub-tls-cert"))
	viper.BindPFlag("hub.tls_key", hubcmd.PersistentFlags().Lookup("hub-tls-key"))
	viper.BindPFlag("api.bind", hubcmd.PersistentFlags().Lookup("api-bind"))
	viper.BindPFlag("api.tls_cert", hubcmd.PersistentFlags().Lookup("api-tls-cert"))
	viper.BindPFlag("api.tls_key", hubcmd.PersistentFlags().Lookup("api-tls-key"))
	viper.BindPFlag("db.path", hubcmd.PersistentFlags().Lookup("db"))

	return
}()

// runHub serves the gateway and api until ctx is cancelled or either server
// fails, then shuts both down.
func runHub(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) error {
	store, err := db.Open(cfg.DB.Path, logger)

	if err != nil {
		return err
	}
	defer store.Close()

	if err = store.Migrate(ctx); err != nil {
		return stacktrace.Propagate(err, "failed to migrate %v", cfg.DB.Path)
	}

	if _, err = auth.EnsureAdmin(ctx, store, logger); err != nil {
		return err
	}

	authsvc := auth.NewService(&auth.Options{
		Users:  store,
		Logger: logger,
	})

	if err = authsvc.Refresh(ctx); err != nil {
		return err
	}

	gw := gateway.NewService(&gateway.Options{
		BindAddr:    cfg.Hub.Bind,
		TLSCertPath: cfg.Hub.TLSCertPath,
		TLSKeyPath:  cfg.Hub.TLSKeyPath,
		Registry:    store,
		Logger:      logger,
	})

	apisvc := api.NewService(&api.Options{
		BindAddr:    cfg.API.Bind,
		TLSCertPath: cfg.API.TLSCertPath,
		TLSKeyPath:  cfg.API.TLSKeyPath,
		Logger:      logger,
		Controllers: []api.Controller{
			&api.StatusController{},
			&api.DeviceController{
				Devices: store,
				Sender:  gw,
				Auth:    authsvc,
				Logger:  logger,
			},
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(gw.Start)
	g.Go(apisvc.Start)
	g.Go(func() error {
		<-gctx.Done()

		logger.Info("hub shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		apierr := apisvc.Shutdown(sctx)
		gwerr := gw.Shutdown(sctx)

		if apierr != nil {
			return apierr
		}

		return gwerr
	})

	return g.Wait()
}
