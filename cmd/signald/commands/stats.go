// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/signald/pkg/server"
	"github.com/n0ot/signald/pkg/signaling"
)

const (
	defaultStatsPort = "8080"
	statsTimeout     = 10 * time.Second
)

var (
	statsPort              string
	statsDisableTLS        bool
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a signald server",
	Long: `stats queries a signald server for running stats.

If the host is omitted, the local signald server will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if statsDisableTLS {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. All traffic including your stats password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			if _, port, err := net.SplitHostPort(viper.GetString("server.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local server port from config; using \"%s\"\n", statsPort)
			} else {
				statsPort = port
			}
			statsDisableTLS = !viper.GetBool("tls.useTls")
			skipTLSVerification = true
			statsPassword = viper.GetString("server.statsPassword")
			if !statsDisableTLS {
				fmt.Fprintln(os.Stderr, "Skipping TLS verification for local server query")
			}
		}

		if promptForPassword {
			fmt.Printf("Password: ")
			pass, err := gopass.GetPasswd()
			if err != nil {
				return err
			}
			statsPassword = string(pass)
		}
		if statsPassword == "" {
			statsPassword = os.Getenv("SIGNALD_STATS_PASSWORD")
		}
		if statsPassword == "" {
			return errors.New("A stats password is required")
		}

		client, err := statsClient()
		if err != nil {
			return err
		}
		addr := net.JoinHostPort(host, statsPort)
		stats, err := fetchStats(client, statsURL(addr), statsPassword)
		if err != nil {
			return err
		}

		// Don't display the default port in the output.
		friendlyAddr := host
		if statsPort != defaultStatsPort {
			friendlyAddr = addr
		}
		printStats(cmd.OutOrStdout(), friendlyAddr, stats)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", defaultStatsPort, "port of the server to query stats for")
	statsCmd.Flags().BoolVarP(&statsDisableTLS, "disable-tls", "d", false, "disable connecting over TLS")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")
}

func statsURL(addr string) string {
	scheme := "https"
	if statsDisableTLS {
		scheme = "http"
	}
	return scheme + "://" + addr + "/stats"
}

func statsClient() (*http.Client, error) {
	var certPool *x509.CertPool
	if statsServerCertificate != "" {
		cert, err := os.ReadFile(statsServerCertificate)
		if err != nil {
			return nil, errors.Wrap(err, "Open server certificate")
		}
		certPool = x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(cert) {
			return nil, errors.Errorf("No certificates found in %s", statsServerCertificate)
		}
	}

	return &http.Client{
		Timeout: statsTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: skipTLSVerification,
				RootCAs:            certPool,
			},
		},
	}, nil
}

// fetchStats requests stats from a signald server's stats endpoint.
func fetchStats(client *http.Client, url, password string) (signaling.Stats, error) {
	var stats signaling.Stats
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return stats, errors.Wrap(err, "Request stats")
	}
	req.Header.Set(server.StatsPasswordHeader, password)

	resp, err := client.Do(req)
	if err != nil {
		return stats, errors.Wrap(err, "Connect to signald server")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return stats, errors.New("Stats are not enabled on this server")
	default:
		var errResp server.ErrorResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return stats, errors.Errorf("Server returned an error: %s", errResp.Error)
		}
		return stats, errors.Errorf("Server returned %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, errors.Wrap(err, "Get stats response from server")
	}
	return stats, nil
}

func printStats(w io.Writer, addr string, stats signaling.Stats) {
	fmt.Fprintf(w, `Stats for %s:
Uptime: %s
Number of channels: %d
Max channels: %d on %s

Number of clients: %d
Max clients: %d on %s
Total clients served: %d

Relayed ICE candidates: %d
Relayed session descriptions: %d
Dropped relays: %d
Protocol errors: %d
`, addr, stats.Uptime.Round(time.Second),
		stats.Channels.NumChannels,
		stats.Channels.MaxChannels, stats.Channels.MaxChannelsTime.Format(time.RFC1123),
		stats.Clients.NumClients,
		stats.Clients.MaxClients, stats.Clients.MaxClientsTime.Format(time.RFC1123),
		stats.Clients.TotalClients,
		stats.RelayedICECandidates,
		stats.RelayedSessionDescriptions,
		stats.DroppedRelays,
		stats.ProtocolErrors)
}
