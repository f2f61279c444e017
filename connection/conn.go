package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/ocpp"
)

const writeWait = 10 * time.Second

// CloseReason says why a connection ended
type CloseReason string

const (
	ReasonRemote     CloseReason = "remote"
	ReasonTimeout    CloseReason = "timeout"
	ReasonSuperseded CloseReason = "superseded"
	ReasonShutdown   CloseReason = "shutdown"
	ReasonKicked     CloseReason = "disconnected"
	ReasonError      CloseReason = "error"
)

// Info is a snapshot of a connection for listings and events
type Info struct {
	Identifier   string       `json:"identifier"`
	TenantID     string       `json:"tenantId"`
	SessionIndex uint64       `json:"sessionIndex"`
	RemoteAddr   string       `json:"remoteAddress"`
	RemotePort   int          `json:"remotePort"`
	Protocol     ocpp.Version `json:"protocolVersion"`
	IsAlive      bool         `json:"isAlive"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastSeen     time.Time    `json:"lastSeen"`
}

type inbound struct {
	call *ocpp.Call
	perr *ocpp.ProtocolError
}

// Conn is one live station WebSocket. Frames are read on one goroutine;
// Calls and malformed frames are handed to a second goroutine that processes
// them strictly in arrival order.
type Conn struct {
	identifier string
	tenantID   string
	session    uint64
	remoteAddr string
	remotePort int
	protocol   ocpp.Version
	createdAt  time.Time

	ws      *websocket.Conn
	manager *Manager
	logger  *slog.Logger

	writeMu  sync.Mutex
	lastSeen atomic.Int64
	closed   atomic.Bool
	once     sync.Once
	done     chan struct{}
	queue    chan inbound
	ctx      context.Context
	cancel   context.CancelFunc
}

func newConn(m *Manager, ws *websocket.Conn, tenantID, identifier string, protocol ocpp.Version) *Conn {
	host, port := splitHostPort(ws.RemoteAddr())
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		identifier: identifier,
		tenantID:   tenantID,
		session:    m.sessions.Add(1),
		remoteAddr: host,
		remotePort: port,
		protocol:   protocol,
		createdAt:  time.Now().UTC(),
		ws:         ws,
		manager:    m,
		done:       make(chan struct{}),
		queue:      make(chan inbound, 64),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.logger = m.logger.With("tenant_id", tenantID, "station_id", identifier,
		"session", c.session, "protocol", string(protocol))
	c.touch()
	return c
}

func splitHostPort(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Identifier returns the station id
func (c *Conn) Identifier() string { return c.identifier }

// TenantID returns the tenant the station belongs to
func (c *Conn) TenantID() string { return c.tenantID }

// SessionIndex distinguishes reconnects of the same station
func (c *Conn) SessionIndex() uint64 { return c.session }

// Protocol returns the negotiated subprotocol
func (c *Conn) Protocol() ocpp.Version { return c.protocol }

// Context is cancelled when the connection closes
func (c *Conn) Context() context.Context { return c.ctx }

// Logger returns the per-connection logger
func (c *Conn) Logger() *slog.Logger { return c.logger }

// Done is closed once the connection has closed and observers were notified
func (c *Conn) Done() <-chan struct{} { return c.done }

// IsAlive reports whether the peer has been heard from within the liveness
// window and the connection is open
func (c *Conn) IsAlive() bool {
	if c.closed.Load() {
		return false
	}
	window := c.manager.livenessWindow()
	return window <= 0 || time.Since(c.lastSeenTime()) <= window
}

// Info returns a snapshot
func (c *Conn) Info() Info {
	return Info{
		Identifier:   c.identifier,
		TenantID:     c.tenantID,
		SessionIndex: c.session,
		RemoteAddr:   c.remoteAddr,
		RemotePort:   c.remotePort,
		Protocol:     c.protocol,
		IsAlive:      c.IsAlive(),
		CreatedAt:    c.createdAt,
		LastSeen:     c.lastSeenTime(),
	}
}

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *Conn) lastSeenTime() time.Time { return time.Unix(0, c.lastSeen.Load()).UTC() }

// Send writes one text frame
func (c *Conn) Send(frame []byte) error {
	if c.closed.Load() {
		return errors.WrapTransient(errors.ErrConnectionClosed, "Conn", "Send", "write frame")
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()

	if err != nil {
		go c.close(ReasonError)
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionClosed, err), "Conn", "Send", "write frame")
	}
	c.manager.frameSent(c, frame)
	return nil
}

// SendMessage encodes and writes a frame
func (c *Conn) SendMessage(msg ocpp.Message) error {
	frame, err := ocpp.Encode(msg)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

func (c *Conn) writeControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// goingAway asks the peer to close, without waiting
func (c *Conn) goingAway(reason string) {
	_ = c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
}

// close tears the connection down once and notifies observers synchronously
func (c *Conn) close(reason CloseReason) {
	c.once.Do(func() {
		c.closed.Store(true)
		code := websocket.CloseNormalClosure
		switch reason {
		case ReasonShutdown, ReasonSuperseded:
			code = websocket.CloseGoingAway
		case ReasonTimeout, ReasonError:
			code = websocket.CloseAbnormalClosure
		}
		if code != websocket.CloseAbnormalClosure {
			_ = c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, string(reason)))
		}
		_ = c.ws.Close()
		c.cancel()

		c.manager.closed(c, reason)
		close(c.done)
	})
}

func (c *Conn) readLoop(handler FrameHandler) {
	defer func() {
		reason := ReasonRemote
		if c.manager.draining.Load() {
			reason = ReasonShutdown
		}
		c.close(reason)
	}()

	if limit := c.manager.cfg.ReadLimitBytes; limit > 0 {
		c.ws.SetReadLimit(limit)
	}
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		c.touch()
		err := c.writeControl(websocket.PongMessage, []byte(data))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			close(c.queue)
			return
		}
		c.touch()
		if kind != websocket.TextMessage {
			c.logger.Warn("non-text frame ignored", "type", kind)
			continue
		}
		c.manager.frameReceived(c, data)

		msg, err := ocpp.Decode(data)
		if err != nil {
			var perr *ocpp.ProtocolError
			if !errors.As(err, &perr) {
				perr = &ocpp.ProtocolError{Reason: err.Error()}
			}
			c.manager.metrics.RecordProtocolError(string(c.protocol))
			c.logger.Warn("protocol error", "unique_id", perr.UniqueID, "reason", perr.Reason)
			c.enqueue(inbound{perr: perr})
			continue
		}

		c.manager.metrics.RecordFrameReceived(string(c.protocol), msg.Type().String())
		switch m := msg.(type) {
		case *ocpp.Call:
			c.enqueue(inbound{call: m})
		default:
			handler.HandleReply(c.ctx, c, msg)
		}
	}
}

func (c *Conn) enqueue(in inbound) {
	select {
	case c.queue <- in:
	case <-c.done:
	}
}

// processLoop handles Calls one at a time in arrival order
func (c *Conn) processLoop(handler FrameHandler) {
	for in := range c.queue {
		if c.closed.Load() {
			continue
		}
		if in.perr != nil {
			handler.HandleMalformed(c.ctx, c, in.perr)
			continue
		}
		handler.HandleCall(c.ctx, c, in.call)
	}
}

// pingLoop sends pings and closes the connection once the peer has been
// silent for pingInterval × missedPingThreshold
func (c *Conn) pingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if window := c.manager.livenessWindow(); time.Since(c.lastSeenTime()) > window {
				c.logger.Warn("station silent, closing", "last_seen", c.lastSeenTime(), "window", window)
				c.close(ReasonTimeout)
				return
			}
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
		}
	}
}
