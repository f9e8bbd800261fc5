// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// StatsPasswordHeader carries the stats password on /stats requests.
const StatsPasswordHeader = "X-Stats-Password"

func (srv *Server) serveClientPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" || srv.ClientPage == "" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, srv.ClientPage)
}

func serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintln(w, "signald is running")
}

func (srv *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	if srv.StatsPassword == "" {
		http.NotFound(w, r)
		return
	}
	logger := srv.Log.WithField("remote_addr", r.RemoteAddr)

	password := r.Header.Get(StatsPasswordHeader)
	if password == "" {
		logger.Info("Stats requested without a password")
		writeJSONError(w, http.StatusUnauthorized, "no password")
		return
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(srv.StatsPassword)) != 1 {
		logger.Warn("Stats requested with the wrong password")
		time.Sleep(srv.StatsFailureDelay) // Slow down brute forcing
		writeJSONError(w, http.StatusForbidden, "wrong password")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(srv.Signaling.Stats()); err != nil {
		logger.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Error writing stats")
	}
}

// ErrorResponse is the body of failed stats requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}
