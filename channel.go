package main

import (
	"strings"
	"sync"
)

type channelType int

const (
	channelPublic channelType = iota
	channelPrivate
	channelPresence
)

const (
	privatePrefix  = "private-"
	presencePrefix = "presence-"
)

// channelTypeOf derives the type from the name prefix.
func channelTypeOf(name string) channelType {
	switch {
	case strings.HasPrefix(name, presencePrefix):
		return channelPresence
	case strings.HasPrefix(name, privatePrefix):
		return channelPrivate
	default:
		return channelPublic
	}
}

func (t channelType) String() string {
	switch t {
	case channelPrivate:
		return "private"
	case channelPresence:
		return "presence"
	default:
		return "public"
	}
}

func (t channelType) requiresAuth() bool {
	return t != channelPublic
}

// channel is one fan-out group. All fields are guarded by mu; a channel
// marked removed is never mutated again and a new one takes its place.
type channel struct {
	name string
	kind channelType

	mu          sync.Mutex
	connections connections
	removed     bool

	// presence channels only
	members members
	sockets map[string]string // socket id -> user id
}

type connections map[string]*connection

func newChannel(name string) *channel {
	ch := &channel{
		name:        name,
		kind:        channelTypeOf(name),
		connections: make(connections),
	}
	if ch.kind == channelPresence {
		ch.members = make(members)
		ch.sockets = make(map[string]string)
	}
	return ch
}

func (ch *channel) subscribe(conn *connection) {
	ch.connections[conn.socketID] = conn
}

// unsubscribe removes conn and reports whether the channel became empty.
// An empty channel is marked removed.
func (ch *channel) unsubscribe(conn *connection) bool {
	if _, ok := ch.connections[conn.socketID]; !ok {
		return false
	}
	delete(ch.connections, conn.socketID)
	if ch.kind == channelPresence {
		if userID, gone := ch.leave(conn.socketID); gone {
			ch.publish(memberRemovedFrame(ch.name, userID), "")
		}
	}
	if len(ch.connections) > 0 {
		return false
	}
	ch.removed = true
	decr("channels", 1)
	return true
}

// publish fans text out to every subscriber except the socket id skip.
func (ch *channel) publish(text []byte, skip string) {
	if len(text) == 0 {
		return
	}
	for id, conn := range ch.connections {
		if id == skip {
			continue
		}
		conn.write(text)
	}
}
