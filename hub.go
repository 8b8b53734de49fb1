package main

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

const shardCount = 32

var errUnauthorized = errors.New("unauthorized")

// hub is the channel registry. Channel names are spread over shards so
// that lookups on different channels rarely contend; every mutation of a
// channel happens under that channel's own lock.
type hub struct {
	shards    [shardCount]hubShard
	creds     credentials
	heartbeat heartbeatConfig
	ticker    *mTicker
	vacancy   *vacancyNotifier
	log       *zap.Logger
}

type hubShard struct {
	mu       sync.Mutex
	channels channels
}

type channels map[string]*channel

func newHub(cfg config, logger *zap.Logger) *hub {
	h := &hub{
		creds:     credentials{key: cfg.App.Key, secret: cfg.App.Secret},
		heartbeat: cfg.Heartbeat,
		ticker:    newMTicker(cfg.Heartbeat.Interval),
		log:       logger.Named("hub"),
	}
	for i := range h.shards {
		h.shards[i].channels = make(channels)
	}
	h.vacancy = newVacancyNotifier(cfg.Vacancy, h.creds, logger)
	h.vacancy.isVacant = h.vacant
	return h
}

func (h *hub) pickShard(name string) *hubShard {
	f := fnv.New32a()
	f.Write([]byte(name))
	return &h.shards[f.Sum32()%shardCount]
}

// acquire returns the live channel for name, creating it if needed, with
// its lock held.
func (h *hub) acquire(name string) *channel {
	s := h.pickShard(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[name]; ok {
		ch.mu.Lock()
		if !ch.removed {
			return ch
		}
		ch.mu.Unlock()
	}
	ch := newChannel(name)
	ch.mu.Lock()
	s.channels[name] = ch
	incr("channels", 1)
	return ch
}

func (h *hub) lookup(name string) (*channel, bool) {
	s := h.pickShard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	return ch, ok
}

// release drops a removed channel from its shard unless it has already
// been replaced.
func (h *hub) release(ch *channel) {
	s := h.pickShard(ch.name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[ch.name] == ch {
		delete(s.channels, ch.name)
	}
}

// subscribe authorizes conn for req.Channel, adds it to the connection's
// channel set and registers it. Channels subscribed earlier are kept.
// Nothing is mutated when an error is returned.
func (h *hub) subscribe(conn *connection, req subscribeData) error {
	kind := channelTypeOf(req.Channel)
	if kind.requiresAuth() && h.creds.enabled() && !h.creds.authorize(conn.socketID, req.Channel, req.Auth) {
		return errUnauthorized
	}

	var (
		userID   string
		userInfo json.RawMessage
	)
	if kind == channelPresence {
		var err error
		if userID, userInfo, err = parseChannelData(req.ChannelData); err != nil {
			return err
		}
	}

	conn.channels[req.Channel] = struct{}{}
	conn.channel = req.Channel
	conn.auth = req.Auth
	conn.channelData = req.ChannelData

	h.vacancy.discard(req.Channel)

	ch := h.acquire(req.Channel)
	defer ch.mu.Unlock()

	if kind == channelPresence {
		if ch.join(conn, userID, userInfo) {
			ch.publish(memberAddedFrame(ch.name, userID, userInfo), conn.socketID)
		}
		snapshot := ch.snapshot()
		conn.write(subscriptionSucceededFrame(ch.name, &snapshot))
	} else {
		ch.subscribe(conn)
		ch.publish(subscriptionSucceededFrame(ch.name, nil), "")
	}
	h.log.Debug("subscribed",
		zap.String("socket_id", conn.socketID),
		zap.String("channel", ch.name),
		zap.Stringer("type", kind))
	return nil
}

// unsubscribe removes conn from the named channel. A presence channel left
// without members is reported to the vacancy notifier.
func (h *hub) unsubscribe(conn *connection, name string) {
	if name == "" {
		return
	}
	delete(conn.channels, name)
	if conn.channel == name {
		conn.channel = ""
		conn.auth = ""
		conn.channelData = nil
	}

	ch, ok := h.lookup(name)
	if !ok {
		return
	}
	ch.mu.Lock()
	vacated := ch.unsubscribe(conn)
	ch.mu.Unlock()
	if !vacated {
		return
	}

	h.release(ch)
	h.log.Debug("channel vacated", zap.String("channel", name), zap.Stringer("type", ch.kind))
	if ch.kind == channelPresence {
		h.vacancy.notify(name)
	}
}

// publish fans text out to the channel's subscribers and reports whether
// the channel existed.
func (h *hub) publish(name string, text []byte) bool {
	ch, ok := h.lookup(name)
	if !ok {
		mark("drops", 1)
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.removed {
		mark("drops", 1)
		return false
	}
	ch.publish(text, "")
	return true
}

// vacant reports whether name currently has no subscribers.
func (h *hub) vacant(name string) bool {
	ch, ok := h.lookup(name)
	if !ok {
		return true
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.removed || len(ch.connections) == 0
}

// memberCount returns the number of distinct users on a presence channel.
func (h *hub) memberCount(name string) int {
	ch, ok := h.lookup(name)
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.removed {
		return 0
	}
	return len(ch.members)
}

func (h *hub) channelCount() int {
	n := 0
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.Lock()
		n += len(s.channels)
		s.mu.Unlock()
	}
	return n
}

// close stops every heartbeat and drops pending vacancy notifications.
func (h *hub) close() {
	h.ticker.stop()
	h.vacancy.stop()
}
