package main

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 16 << 10
)

type websocketManager interface {
	wsSetReadLimit()
	wsSetPongHandler(func())
	wsReadMessage() (int, []byte, error)
	wsSetWriteDeadline()
	wsWriteMessage(int, []byte) error
	wsClose()
}

type websocketInteractor struct {
	ws *websocket.Conn
}

func (w websocketInteractor) wsSetReadLimit() {
	w.ws.SetReadLimit(maxMessageSize)
}

// Protocol level pongs count as liveness just like pusher:pong events.
func (w websocketInteractor) wsSetPongHandler(alive func()) {
	w.ws.SetPongHandler(func(string) error { alive(); return nil })
}

// wsClose may be called from any goroutine.
func (w websocketInteractor) wsClose() {
	w.ws.Close()
}

func (w websocketInteractor) wsReadMessage() (messageType int, p []byte, err error) {
	return w.ws.ReadMessage()
}

func (w websocketInteractor) wsSetWriteDeadline() {
	w.ws.SetWriteDeadline(time.Now().Add(writeWait))
}

func (w websocketInteractor) wsWriteMessage(messageType int, payload []byte) error {
	if messageType == websocket.CloseMessage {
		return w.ws.WriteControl(messageType, payload, time.Now().Add(writeWait))
	}
	return w.ws.WriteMessage(messageType, payload)
}
