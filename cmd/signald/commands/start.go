// Copyright © 2018 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/signald/pkg/channels"
	"github.com/n0ot/signald/pkg/registry"
	"github.com/n0ot/signald/pkg/server"
	"github.com/n0ot/signald/pkg/signaling"
)

const shutdownTimeout = 10 * time.Second

var disableTLS bool

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the signald server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", ":8080", "Bind the server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", startCmd.Flags().Lookup("time-between-pings"))
	startCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive clients are dropped (0 disables timeout)")
	viper.BindPFlag("server.pingsUntilTimeout", startCmd.Flags().Lookup("pings-until-timeout"))
	startCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	log.Level = lvl
	return log, nil
}

// newServer builds a server from the loaded configuration.
// Metrics are registered with reg, if metrics are enabled.
func newServer(log *logrus.Logger, reg *prometheus.Registry) *server.Server {
	opts := []signaling.Option{}
	if viper.GetBool("relay.requireSharedChannel") {
		opts = append(opts, signaling.WithPolicy(signaling.SharedChannelRelay))
	}

	srv := &server.Server{
		TimeBetweenPings:  viper.GetDuration("server.timeBetweenPings") * time.Second,
		PingsUntilTimeout: viper.GetInt("server.pingsUntilTimeout"),
		MaxMessageSize:    viper.GetInt64("server.maxMessageSize"),
		SendBufferSize:    viper.GetInt("server.sendBufferSize"),
		AllowedOrigins:    viper.GetStringSlice("server.allowedOrigins"),
		ClientPage:        os.ExpandEnv(viper.GetString("server.clientPage")),
		StatsPassword:     viper.GetString("server.statsPassword"),
		Log:               log,
	}
	if viper.GetBool("server.metrics") && reg != nil {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, signaling.WithPrometheus(reg, "signald"))
		srv.Metrics = reg
	}

	table := channels.New(channels.RetainEmpty(viper.GetBool("channels.retainEmpty")))
	srv.Signaling = signaling.New(log, registry.New(), table, opts...)
	return srv
}

func runServer(cmd *cobra.Command, args []string) error {
	log, err := newLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	srv := newServer(log, prometheus.NewRegistry())

	bindAddr := viper.GetString("server.bind")
	certFile := os.ExpandEnv(viper.GetString("tls.certFile"))
	keyFile := os.ExpandEnv(viper.GetString("tls.keyFile"))
	useTLS := viper.GetBool("tls.useTls") && !disableTLS

	errs := make(chan error, 1)
	go func() {
		log.Info("Starting signald")
		if useTLS {
			errs <- srv.ListenAndServeTLS(bindAddr, certFile, keyFile)
		} else {
			errs <- srv.ListenAndServe(bindAddr)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case err := <-errs:
		return err
	case sig := <-signals:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Wait for listener")
	}
}
