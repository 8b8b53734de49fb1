package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// sendBufferSize is the number of frames queued for a connection before it
// is treated as a slow consumer and closed.
const sendBufferSize = 256

// errClosing is returned by message handling once the server has decided to
// close the connection. Later frames from the peer are discarded.
var errClosing = errors.New("connection closing")

type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outbound is one entry of the send queue. closeAfter asks the writer to
// close the socket once data (if any) has been written.
type outbound struct {
	data       []byte
	closeAfter bool
}

type connection struct {
	socketID  string
	createdAt time.Time
	w         websocketManager
	h         *hub
	log       *zap.Logger

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
	st        atomic.Int32
	// unix nanoseconds of the last ping or pong from the peer
	lastPingPong atomic.Int64

	// Session state below is only touched by the goroutine running run.
	// channel, auth and channelData describe the most recent subscription;
	// channels holds every channel the socket is subscribed to.
	channel     string
	auth        string
	channelData json.RawMessage
	channels    map[string]struct{}
	closing     bool
}

// generateSocketID returns "{ms%1e9}.{random}". Uniqueness is best effort.
func generateSocketID() string {
	return fmt.Sprintf("%d.%d", time.Now().UnixMilli()%1e9, rand.Int63n(1e9))
}

func newConnection(w websocketManager, h *hub) *connection {
	id := generateSocketID()
	return &connection{
		socketID:  id,
		createdAt: time.Now(),
		w:         w,
		h:         h,
		log:       h.log.Named("conn").With(zap.String("socket_id", id)),
		send:      make(chan outbound, sendBufferSize),
		done:      make(chan struct{}),
		channels:  make(map[string]struct{}),
	}
}

// run serves the connection until the peer goes away, the heartbeat reaps
// it, or the server closes it. Every path ends in shutdown.
func (c *connection) run() {
	incr("websockets", 1)
	defer decr("websockets", 1)

	c.w.wsSetReadLimit()
	c.w.wsSetPongHandler(c.touch)

	hb := c.h.ticker.subscribe()
	defer func() {
		c.h.ticker.unsubscribe(hb)
		c.shutdown()
	}()

	go c.writer()
	c.open()
	go c.heartbeat(hb, time.Now())
	c.reader()
}

func (c *connection) open() {
	c.touch()
	c.st.Store(int32(stateOpen))
	c.write(connectionEstablishedFrame(c.socketID, c.h.heartbeat.Interval.Seconds()))
	c.log.Info("connection established")
}

func (c *connection) state() connState {
	return connState(c.st.Load())
}

// touch records a liveness signal from the peer.
func (c *connection) touch() {
	c.lastPingPong.Store(time.Now().UnixNano())
}

func (c *connection) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastPingPong.Load()))
}

// heartbeat runs once per tick of the shared ticker until the subscription
// is closed. Ticks less than one interval after armed are skipped, so the
// first check happens a full interval after open. A peer silent for longer
// than the timeout is closed; the server's own pings do not count as
// liveness.
func (c *connection) heartbeat(sub *subscriber, armed time.Time) {
	defer c.recoverPanic("heartbeat")
	for now := range sub.tick {
		if c.state() != stateOpen {
			return
		}
		if now.Sub(armed) < c.h.heartbeat.Interval {
			continue
		}
		if idle := c.idle(now); idle > c.h.heartbeat.Timeout {
			c.log.Warn("heartbeat timeout, closing connection", zap.Duration("idle", idle))
			c.w.wsClose()
			return
		}
		if c.h.heartbeat.SendPing {
			c.write(pingFrame())
		}
	}
}

func (c *connection) reader() {
	for {
		if err := c.readMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}
	}
}

// readMessage reads and handles one frame. Only transport errors are
// returned.
func (c *connection) readMessage() error {
	_, message, err := c.w.wsReadMessage()
	if err != nil {
		return err
	}
	if c.closing {
		return nil
	}
	incr("conn.recv", 1)
	if err := c.dispatch(message); errors.Is(err, errClosing) {
		c.closing = true
	}
	return nil
}

func (c *connection) writer() {
	defer c.w.wsClose()
	defer c.recoverPanic("writer")
	for {
		select {
		case msg := <-c.send:
			if msg.data != nil {
				c.w.wsSetWriteDeadline()
				if err := c.w.wsWriteMessage(websocket.TextMessage, msg.data); err != nil {
					c.log.Debug("write error", zap.Error(err))
					return
				}
				incr("conn.send", 1)
			}
			if msg.closeAfter {
				c.w.wsWriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		case <-c.done:
			return
		}
	}
}

// write queues data without blocking. A full queue closes the connection.
func (c *connection) write(data []byte) bool {
	return c.enqueue(outbound{data: data})
}

func (c *connection) enqueue(msg outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		mark("drops", 1)
		c.log.Warn("send buffer full, closing connection")
		c.w.wsClose()
		return false
	}
}

// reject sends a pusher:error and closes the socket once it is flushed.
func (c *connection) reject(message string, code int) error {
	c.write(errorFrame(message, code))
	c.enqueue(outbound{closeAfter: true})
	return errClosing
}

// shutdown leaves every subscribed channel, so presence members and
// vacancies are settled for each of them.
func (c *connection) shutdown() {
	c.st.Store(int32(stateClosed))
	subscribed := len(c.channels)
	for name := range c.channels {
		c.h.unsubscribe(c, name)
	}
	c.closeOnce.Do(func() { close(c.done) })
	c.w.wsClose()
	c.log.Info("connection closed",
		zap.Int("channels", subscribed),
		zap.Duration("age", time.Since(c.createdAt)))
}

// recoverPanic keeps a panicking connection goroutine from taking down the
// process. The socket is closed and the normal close path cleans up.
func (c *connection) recoverPanic(where string) {
	if p := recover(); p != nil {
		c.log.Error("connection panic",
			zap.String("goroutine", where),
			zap.Any("panic", p),
			zap.Stack("stack"))
		c.w.wsClose()
	}
}
