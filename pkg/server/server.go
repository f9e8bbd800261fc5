// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server exposes the signaling service to browsers over websockets.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/signald/pkg/model"
	"github.com/n0ot/signald/pkg/signaling"
)

const (
	defaultMaxMessageSize    = 64 * 1024
	defaultSendBufferSize    = 64
	defaultStatsFailureDelay = 5 * time.Second
	writeWait                = 10 * time.Second
)

// Server Contains state for a signald server.
type Server struct {
	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings to be sent before unresponsive clients will be dropped.
	// If TimeBetweenPings or PingsUntilTimeout is 0, clients are never dropped for inactivity.
	PingsUntilTimeout int

	// MaxMessageSize limits the size of a single frame read from a client.
	MaxMessageSize int64

	// SendBufferSize is the number of outgoing messages queued per client.
	// A client whose queue fills up is disconnected.
	SendBufferSize int

	// AllowedOrigins lists the origins browsers may connect from.
	// "*" allows every origin.
	AllowedOrigins []string

	// ClientPage is a file served at /, if set.
	ClientPage string

	// StatsPassword sets the password for retrieving stats.
	// If empty, stats are not served.
	StatsPassword string

	// StatsFailureDelay is how long a stats request with the wrong password is held before it is answered.
	StatsFailureDelay time.Duration

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// Metrics, if set, is gathered and served at /metrics.
	Metrics prometheus.Gatherer

	Log *logrus.Logger

	// Signaling handles events from connected clients.
	Signaling *signaling.Handler

	initOnce     sync.Once
	upgrader     websocket.Upgrader
	origins      originPolicy
	lock         sync.Mutex // Protects httpServer, clients and shuttingDown
	httpServer   *http.Server
	clients      map[model.PeerID]*client
	clientsWG    sync.WaitGroup
	shuttingDown bool // Once set, no more clients are added
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		if srv.MaxMessageSize <= 0 {
			srv.MaxMessageSize = defaultMaxMessageSize
		}
		if srv.SendBufferSize <= 0 {
			srv.SendBufferSize = defaultSendBufferSize
		}
		if srv.StatsFailureDelay <= 0 {
			srv.StatsFailureDelay = defaultStatsFailureDelay
		}
		if srv.Log == nil {
			srv.Log = logrus.StandardLogger()
		}
		srv.origins = newOriginPolicy(srv.Log, srv.AllowedOrigins)
		srv.upgrader = websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     srv.checkOrigin,
		}
		srv.clients = make(map[model.PeerID]*client)
	})
}

// Handler returns the HTTP handler serving websockets, the client page, stats and metrics.
func (srv *Server) Handler() http.Handler {
	srv.init()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.serveWebSocket)
	mux.Handle("/", srv.cors(http.HandlerFunc(srv.serveClientPage)))
	mux.Handle("/healthz", srv.cors(http.HandlerFunc(serveHealth)))
	mux.Handle("/stats", srv.cors(http.HandlerFunc(srv.serveStats)))
	if srv.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(srv.Metrics, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe listens for connections on the network, and serves them the signaling service.
func (srv *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	srv.init()
	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if srv.TLSConfig == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, srv.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}
	defer listener.Close()

	srv.init()
	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// Serve serves clients the signaling service until Shutdown is called.
func (srv *Server) Serve(listener net.Listener) error {
	if srv.Signaling == nil {
		return errors.New("No signaling handler set in server")
	}
	srv.init()
	srv.Log.WithFields(logrus.Fields{
		"time_between_pings":  srv.TimeBetweenPings,
		"pings_until_timeout": srv.PingsUntilTimeout,
		"allowed_origins":     srv.AllowedOrigins,
	}).Info("Server started")

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.lock.Lock()
	srv.httpServer = httpServer
	srv.lock.Unlock()

	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "Serve")
	}
	return nil
}

// Shutdown stops accepting connections, disconnects every client,
// and waits for their cleanup to finish or ctx to end.
// Websockets that finish upgrading once clients have been stopped are closed without being served.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.init()
	srv.lock.Lock()
	httpServer := srv.httpServer
	srv.lock.Unlock()

	// Requests still being read may finish their upgrade until the HTTP server is down.
	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}

	srv.lock.Lock()
	srv.shuttingDown = true
	clients := make([]*client, 0, len(srv.clients))
	for _, c := range srv.clients {
		clients = append(clients, c)
	}
	srv.lock.Unlock()

	for _, c := range clients {
		c.Stop("Server shutting down")
	}

	done := make(chan struct{})
	go func() {
		srv.clientsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		srv.Log.WithField("clients", len(clients)).Info("Server shut down")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "Wait for clients")
	}
	return errors.Wrap(err, "Shutdown HTTP server")
}

// addClient tracks c until removeClient is called.
// It returns false if the server is shutting down, in which case c must not be served.
func (srv *Server) addClient(c *client) bool {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	if srv.shuttingDown {
		return false
	}
	srv.clients[c.id] = c
	srv.clientsWG.Add(1)
	return true
}

func (srv *Server) removeClient(c *client) {
	srv.lock.Lock()
	delete(srv.clients, c.id)
	srv.lock.Unlock()
	srv.clientsWG.Done()
}

// readTimeout is how long a client may stay silent, including not answering pings, before it is dropped.
func (srv *Server) readTimeout() time.Duration {
	if srv.TimeBetweenPings <= 0 || srv.PingsUntilTimeout <= 0 {
		return 0
	}
	return time.Duration(srv.PingsUntilTimeout)*srv.TimeBetweenPings + writeWait
}
