package server

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/signald/pkg/model"
)

var (
	errClientStopped  = errors.New("client stopped")
	errSendBufferFull = errors.New("send buffer full")
)

// client is a websocket connection to a signald client.
// It is the handle registered with the signaling handler:
// messages given to Send are serialized and written by the client's write pump.
type client struct {
	srv  *Server
	conn *websocket.Conn
	id   model.PeerID
	log  *logrus.Entry

	send     chan []byte   // Serialized messages waiting to be written
	done     chan struct{} // Closed when the client is stopped
	stopOnce sync.Once
	// StoppedReason is the reason the client was stopped. Only read after done is closed.
	stoppedReason string
}

func (srv *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		srv.Log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"error":       err,
		}).Warn("Websocket upgrade failed")
		return
	}

	id := model.PeerID(uuid.NewString())
	c := &client{
		srv:  srv,
		conn: conn,
		id:   id,
		log: srv.Log.WithFields(logrus.Fields{
			"conn_id":     id,
			"remote_addr": r.RemoteAddr,
		}),
		send: make(chan []byte, srv.SendBufferSize),
		done: make(chan struct{}),
	}
	c.serve()
}

// serve connects the client to the signaling handler, and returns once the client has been cleaned up.
func (c *client) serve() {
	if !c.srv.addClient(c) {
		c.log.Info("Server shutting down; closing new connection")
		closeMSG := websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")
		_ = c.conn.WriteControl(websocket.CloseMessage, closeMSG, time.Now().Add(writeWait))
		c.conn.Close()
		return
	}
	defer c.srv.removeClient(c)

	c.log.Info("Connected")
	c.srv.Signaling.Connect(c.id, c)

	finished := make(chan struct{})
	go c.writePump(finished)
	c.readPump()

	// Every channel is parted before the ID is released.
	c.srv.Signaling.Disconnect(c.id)
	c.Stop("Client disconnected")
	<-finished
	c.conn.Close()
	c.log.WithField("reason", c.stoppedReason).Info("Client exited")
}

// Send queues msg to be written to the client.
// Send never blocks: if the queue is full, the client is stopped.
func (c *client) Send(msg model.Message) error {
	if c.Stopped() {
		return errClientStopped
	}
	data, err := model.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientStopped
	default:
		c.Stop("Send buffer full")
		return errSendBufferFull
	}
}

// readPump receives events from the client, and passes them to the signaling handler.
// It returns when the connection fails or the client is stopped.
func (c *client) readPump() {
	c.conn.SetReadLimit(c.srv.MaxMessageSize)
	timeout := c.srv.readTimeout()
	extendDeadline := func() {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			c.log.WithField("error", err).Debug("Cannot set read deadline")
		}
	}
	extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Stop(readErrorReason(err))
			if !c.expectedReadError(err) {
				c.log.WithField("error", err).Warn("Error reading from client")
			}
			return
		}
		if c.Stopped() {
			return
		}
		extendDeadline()

		if msgType != websocket.TextMessage {
			c.srv.Signaling.ProtocolError(c.id, errors.New("expected text message"))
			continue
		}
		in, err := model.ParseInbound(data)
		if err != nil {
			c.srv.Signaling.ProtocolError(c.id, err)
			continue
		}
		c.log.WithField("event", in.Event()).Debug("Received event")
		c.srv.Signaling.Handle(c.id, in)
	}
}

// writePump writes queued messages and pings to the client.
// Once the client is stopped, a close frame is sent and the connection is closed,
// which also ends readPump.
func (c *client) writePump(finished chan<- struct{}) {
	defer close(finished)
	defer func() {
		if err := c.conn.Close(); err != nil {
			c.log.WithField("error", err).Debug("Error closing connection")
		}
	}()

	// If TimeBetweenPings is 0, pingsCH will remain nil, and the client will not be pinged.
	var pingsCH <-chan time.Time
	if c.srv.TimeBetweenPings > 0 {
		ticker := time.NewTicker(c.srv.TimeBetweenPings)
		defer ticker.Stop()
		pingsCH = ticker.C
	}

	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Stop("Send error")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithField("error", err).Debug("Error writing to client")
				c.Stop("Send error")
				return
			}

		case <-pingsCH:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Stop("Ping error")
				return
			}

		case <-c.done:
			closeMSG := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.stoppedReason)
			_ = c.conn.WriteControl(websocket.CloseMessage, closeMSG, time.Now().Add(writeWait))
			return
		}
	}
}

// Stopped returns true if the client was stopped.
func (c *client) Stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Stop stops a client, closing its connection.
// Stop is idempotent; calling Stop more than once will have no effect.
func (c *client) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.stoppedReason = reason
		close(c.done)
	})
}

func (c *client) String() string {
	return "Client(" + string(c.id) + ")"
}

func readErrorReason(err error) string {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		return "Client disconnected"
	case errors.Is(err, websocket.ErrReadLimit):
		return "Message too large"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "Connection closed"
	default:
		return "Receive error"
	}
}

// expectedReadError returns true for errors that are a normal end to a connection.
func (c *client) expectedReadError(err error) bool {
	if c.Stopped() && c.stoppedReason != readErrorReason(err) {
		// We closed the connection ourselves.
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) ||
		errors.Is(err, io.EOF)
}
