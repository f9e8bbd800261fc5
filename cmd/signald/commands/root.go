// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgDir string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "signald",
	Short: "WebRTC signaling server",
	Long: `Signald is a signaling server for WebRTC.

Browsers join named channels over a websocket, learn about the other members,
and exchange the offers, answers and ICE candidates they need to connect to each other directly.
It also prints usage stats for other signald servers.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/signald)")
	setDefaults()
}

func setDefaults() {
	viper.SetDefault("server.bind", ":8080")
	viper.SetDefault("server.timeBetweenPings", 30)
	viper.SetDefault("server.pingsUntilTimeout", 2)
	viper.SetDefault("server.maxMessageSize", 64*1024)
	viper.SetDefault("server.sendBufferSize", 64)
	viper.SetDefault("server.allowedOrigins", []string{"*"})
	viper.SetDefault("server.clientPage", "")
	viper.SetDefault("server.statsPassword", "")
	viper.SetDefault("server.metrics", true)
	viper.SetDefault("tls.useTls", true)
	viper.SetDefault("tls.certFile", "$CONFDIR/server.cert")
	viper.SetDefault("tls.keyFile", "$CONFDIR/server.key")
	viper.SetDefault("channels.retainEmpty", false)
	viper.SetDefault("relay.requireSharedChannel", false)
	viper.SetDefault("log.level", "info")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgDir == "" {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search for config in $HOME/.config/signald
		cfgDir = path.Join(home, ".config", "signald")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("signald")
	viper.SetEnvPrefix("signald")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	os.Setenv("CONFDIR", cfgDir)

	// Every setting has a default, so running without a config file is fine.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
	}
}
