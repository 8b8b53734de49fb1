package main

import (
	"sync"
	"time"
)

// mTicker is one time.Ticker shared by every connection's heartbeat. Each
// connection subscribes on open and unsubscribes on close, so no heartbeat
// outlives its connection.
type mTicker struct {
	mux         sync.Mutex // Protects subscribers, stopped and dropped
	subscribers subscribers
	stopped     bool
	dropped     int

	ticker *time.Ticker
	stopCh chan struct{}
}

type subscribers map[*subscriber]interface {
}

type subscriber struct {
	tick chan time.Time
}

// creates and starts a new ticker
// that can have subscribed channels to receive
// ticks
func newMTicker(interval time.Duration) *mTicker {
	t := &mTicker{
		subscribers: make(subscribers),
		ticker:      time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}
	go t.tick()
	return t
}

func newSubscriber() *subscriber {
	return &subscriber{
		tick: make(chan time.Time, 1),
	}
}

// Subscribe returns a channel to which ticks will be delivered. Ticks that
// can't be delivered to the channel, because it is not ready to receive, are
// discarded. Subscribing to a stopped ticker returns a closed channel.
func (t *mTicker) subscribe() *subscriber {
	t.mux.Lock()
	defer t.mux.Unlock()

	sub := newSubscriber()
	if t.stopped {
		close(sub.tick)
		return sub
	}
	t.subscribers[sub] = nil
	return sub
}

// unsubscribe closes the subscriber's channel. It is safe to call more than
// once and after stop.
func (t *mTicker) unsubscribe(sub *subscriber) {
	t.mux.Lock()
	defer t.mux.Unlock()

	if _, ok := t.subscribers[sub]; !ok {
		return
	}
	close(sub.tick)
	delete(t.subscribers, sub)
}

// Stop stops the ticker, and closes
// all subscribed channels
func (t *mTicker) stop() {
	t.mux.Lock()
	defer t.mux.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	for sub := range t.subscribers {
		close(sub.tick)
	}
	t.subscribers = make(subscribers)
	t.ticker.Stop()
	close(t.stopCh)
}

func (t *mTicker) count() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.subscribers)
}

func (t *mTicker) tick() {
	for {
		select {
		case now := <-t.ticker.C:
			t.mux.Lock()
			for sub := range t.subscribers {
				select {
				case sub.tick <- now:
				default:
					t.dropped++
				}
			}
			t.mux.Unlock()
		case <-t.stopCh:
			return
		}
	}
}
