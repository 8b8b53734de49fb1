package main

import (
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockClosed = errors.New("mock websocket closed")

// mockWsInteractor plays the peer. Frames pushed to reads are returned by
// wsReadMessage; every text frame the server writes is copied to writes.
type mockWsInteractor struct {
	reads     chan []byte
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	closeSent    bool
	pong         func()
	panicOnWrite bool
}

func newMockWs() *mockWsInteractor {
	return &mockWsInteractor{
		reads:  make(chan []byte, 16),
		writes: make(chan []byte, 512),
		closed: make(chan struct{}),
	}
}

func (mq *mockWsInteractor) wsSetReadLimit() {}

func (mq *mockWsInteractor) wsSetPongHandler(f func()) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.pong = f
}

func (mq *mockWsInteractor) wsClose() {
	mq.closeOnce.Do(func() { close(mq.closed) })
}

func (mq *mockWsInteractor) wsSetWriteDeadline() {}

func (mq *mockWsInteractor) wsReadMessage() (int, []byte, error) {
	select {
	case msg := <-mq.reads:
		return websocket.TextMessage, msg, nil
	case <-mq.closed:
		return 0, nil, errMockClosed
	}
}

func (mq *mockWsInteractor) wsWriteMessage(messageType int, payload []byte) error {
	select {
	case <-mq.closed:
		return errMockClosed
	default:
	}
	if mq.panicOnWrite {
		panic("write exploded")
	}
	if messageType == websocket.CloseMessage {
		mq.mu.Lock()
		mq.closeSent = true
		mq.mu.Unlock()
		return nil
	}
	mq.writes <- payload
	return nil
}

func (mq *mockWsInteractor) isClosed() bool {
	select {
	case <-mq.closed:
		return true
	default:
		return false
	}
}

// next returns the next frame the server wrote, failing after a second.
func (mq *mockWsInteractor) next(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-mq.writes:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func newTestConnection(h *hub) (*connection, *mockWsInteractor) {
	mock := newMockWs()
	return newConnection(mock, h), mock
}

// queued drains everything waiting in the connection's send queue.
func queued(c *connection) [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-c.send:
			if msg.data != nil {
				out = append(out, msg.data)
			}
		default:
			return out
		}
	}
}

func decodeFrame(t *testing.T, b []byte) frame {
	t.Helper()
	var f frame
	require.NoError(t, json.Unmarshal(b, &f), string(b))
	return f
}

func TestSocketID(t *testing.T) {
	pattern := regexp.MustCompile(`^\d+\.\d+$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateSocketID()
		assert.Regexp(t, pattern, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 90)
}

func TestConnReadMessage(t *testing.T) {
	h := newTestHub(t)
	conn, mock := newTestConnection(h)

	// Assert on error, do nothing
	mock.wsClose()
	err := conn.readMessage()
	require.Error(t, err)
	assert.Empty(t, queued(conn))

	// A ping is answered with exactly a pong
	conn, mock = newTestConnection(h)
	before := conn.lastPingPong.Load()
	time.Sleep(time.Millisecond)
	mock.reads <- []byte(`{"event":"pusher:ping"}`)
	require.NoError(t, conn.readMessage())
	sent := queued(conn)
	require.Len(t, sent, 1)
	assert.Equal(t, `{"event":"pusher:pong"}`, string(sent[0]))
	assert.Greater(t, conn.lastPingPong.Load(), before)

	// A pong only refreshes liveness
	before = conn.lastPingPong.Load()
	time.Sleep(time.Millisecond)
	mock.reads <- []byte(`{"event":"pusher:pong"}`)
	require.NoError(t, conn.readMessage())
	assert.Empty(t, queued(conn))
	assert.Greater(t, conn.lastPingPong.Load(), before)
}

func TestConnIgnoresBadFrames(t *testing.T) {
	h := newTestHub(t)
	conn, mock := newTestConnection(h)

	for _, msg := range []string{
		`not json`,
		`{"data":{}}`,
		`{"event":"client-typing","channel":"x","data":{}}`,
		`{"event":"pusher:subscribe"}`,
		`{"event":"pusher:subscribe","data":{"channel":""}}`,
		`{"event":"pusher:unsubscribe","data":null}`,
		`[1,2,3]`,
	} {
		mock.reads <- []byte(msg)
		require.NoError(t, conn.readMessage(), msg)
	}
	assert.Empty(t, queued(conn))
	assert.False(t, conn.closing)
	assert.False(t, mock.isClosed())
	assert.Equal(t, 0, h.channelCount())
}

func TestConnSubscribeAndUnsubscribe(t *testing.T) {
	h := newTestHub(t)
	conn, mock := newTestConnection(h)

	mock.reads <- []byte(`{"event":"pusher:subscribe","data":{"channel":"news"}}`)
	require.NoError(t, conn.readMessage())
	assert.Equal(t, "news", conn.channel)
	sent := queued(conn)
	require.Len(t, sent, 1)
	assert.Equal(t, `{"event":"pusher_internal:subscription_succeeded","channel":"news"}`, string(sent[0]))
	assert.Equal(t, 1, h.channelCount())

	mock.reads <- []byte(`{"event":"pusher:unsubscribe","data":{"channel":"news"}}`)
	require.NoError(t, conn.readMessage())
	assert.Empty(t, conn.channel)
	assert.Equal(t, 0, h.channelCount())
}

func TestConnUnauthorizedStopsProcessing(t *testing.T) {
	h := newTestHub(t)
	conn, mock := newTestConnection(h)

	mock.reads <- []byte(`{"event":"pusher:subscribe","data":{"channel":"private-x","auth":"nope"}}`)
	require.NoError(t, conn.readMessage())
	assert.True(t, conn.closing)
	assert.Empty(t, conn.channel)
	assert.Equal(t, 0, h.channelCount())

	sent := queued(conn)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"event":"pusher:error","data":{"message":"Unauthorized","code":4009}}`, string(sent[0]))

	// later frames are discarded
	mock.reads <- []byte(`{"event":"pusher:ping"}`)
	require.NoError(t, conn.readMessage())
	assert.Empty(t, queued(conn))
}

func TestConnRunRejectFlushesThenCloses(t *testing.T) {
	h := newTestHub(t)
	conn, mock := newTestConnection(h)
	done := make(chan struct{})
	go func() {
		conn.run()
		close(done)
	}()

	established := decodeFrame(t, mock.next(t))
	assert.Equal(t, eventConnectionEstablished, established.Event)

	mock.reads <- []byte(`{"event":"presence-room"}`)
	mock.reads <- []byte(`{"event":"pusher:subscribe","data":{"channel":"presence-room","auth":"` +
		testKey + `:` + sign(conn.socketID+":presence-room", testSecret) + `","channel_data":"{}"}}`)

	f := decodeFrame(t, mock.next(t))
	assert.Equal(t, eventError, f.Event)
	assert.JSONEq(t, `{"message":"Missing user_id for presence channel","code":4009}`, string(f.Data))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection did not close after reject")
	}
	assert.True(t, mock.isClosed())
	assert.Equal(t, stateClosed, conn.state())
	assert.Equal(t, 0, h.memberCount("presence-room"))
	assert.Equal(t, 0, h.ticker.count())
}

func TestConnRunEstablishesConnection(t *testing.T) {
	h := newTestHub(t, func(cfg *config) { cfg.Heartbeat.Interval = 25 * time.Second })
	conn, mock := newTestConnection(h)
	assert.Equal(t, stateConnecting, conn.state())
	go conn.run()
	defer mock.wsClose()

	f := decodeFrame(t, mock.next(t))
	assert.Equal(t, eventConnectionEstablished, f.Event)
	var s string
	require.NoError(t, json.Unmarshal(f.Data, &s), "data is a JSON encoded string")
	var data connectionData
	require.NoError(t, json.Unmarshal([]byte(s), &data))
	assert.Equal(t, conn.socketID, data.SocketID)
	assert.Equal(t, 25.0, data.ActivityTimeout)
	assert.Equal(t, stateOpen, conn.state())
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	h := newTestHub(t, func(cfg *config) {
		cfg.Heartbeat.Interval = 10 * time.Millisecond
		cfg.Heartbeat.Timeout = 50 * time.Millisecond
		cfg.Heartbeat.SendPing = true
	})
	conn, mock := newTestConnection(h)
	done := make(chan struct{})
	start := time.Now()
	go func() {
		conn.run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled connection was not reaped")
	}
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, mock.isClosed())
	assert.Equal(t, 0, h.ticker.count(), "heartbeat subscription outlived the connection")

	// server pings were sent but did not keep the peer alive
	var pings int
	for len(mock.writes) > 0 {
		if decodeFrame(t, <-mock.writes).Event == eventPing {
			pings++
		}
	}
	assert.Positive(t, pings)
}

func TestHeartbeatPeerPingsKeepConnectionOpen(t *testing.T) {
	h := newTestHub(t, func(cfg *config) {
		cfg.Heartbeat.Interval = 10 * time.Millisecond
		cfg.Heartbeat.Timeout = 80 * time.Millisecond
	})
	conn, mock := newTestConnection(h)
	done := make(chan struct{})
	go func() {
		conn.run()
		close(done)
	}()
	defer mock.wsClose()

	deadline := time.After(300 * time.Millisecond)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mock.reads <- []byte(`{"event":"pusher:ping"}`)
		case <-done:
			t.Fatal("connection closed although the peer kept pinging")
		case <-deadline:
			assert.False(t, mock.isClosed())
			return
		}
	}
}

func TestSlowConsumerIsClosed(t *testing.T) {
	h := newTestHub(t)
	conn, mock := newTestConnection(h)

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, conn.write([]byte("x")))
	}
	assert.False(t, conn.write([]byte("overflow")))
	assert.True(t, mock.isClosed())
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connecting", stateConnecting.String())
	assert.Equal(t, "open", stateOpen.String())
	assert.Equal(t, "closed", stateClosed.String())
	assert.Equal(t, "unknown", connState(9).String())
}

func TestFirstPingWaitsOneInterval(t *testing.T) {
	const interval = 60 * time.Millisecond
	h := newTestHub(t, func(cfg *config) {
		cfg.Heartbeat.Interval = interval
		cfg.Heartbeat.Timeout = time.Second
		cfg.Heartbeat.SendPing = true
	})
	// open off the shared ticker's phase
	time.Sleep(interval / 2)

	conn, mock := newTestConnection(h)
	go conn.run()
	defer mock.wsClose()

	require.Equal(t, eventConnectionEstablished, decodeFrame(t, mock.next(t)).Event)
	opened := time.Now()
	require.Equal(t, eventPing, decodeFrame(t, mock.next(t)).Event)
	assert.GreaterOrEqual(t, time.Since(opened), interval-5*time.Millisecond)
}

func TestWriterPanicClosesConnection(t *testing.T) {
	h := newTestHub(t)
	conn, mock := newTestConnection(h)
	mock.panicOnWrite = true
	require.NoError(t, h.subscribe(conn, subscribeData{Channel: "news"}))

	done := make(chan struct{})
	go func() {
		conn.run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection survived a panicking writer")
	}
	assert.True(t, mock.isClosed())
	assert.Equal(t, stateClosed, conn.state())
	assert.True(t, h.vacant("news"))
}
