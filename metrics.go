package main

import (
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gometrics "github.com/rcrowley/go-metrics"
)

type metrics struct {
	log  io.Writer
	reg  gometrics.Registry
	tick time.Duration
	done chan struct{}
}

var m = &metrics{
	log:  os.Stderr,
	reg:  gometrics.DefaultRegistry,
	tick: time.Duration(60) * time.Second,
}

// Prometheus collectors, served at /metrics.
var (
	webhookAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsehub_webhook_attempts_total",
		Help: "Channel vacated webhook attempts by outcome",
	}, []string{"outcome"})

	webhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulsehub_webhook_duration_seconds",
		Help:    "Duration of channel vacated webhook requests",
		Buckets: prometheus.DefBuckets,
	})

	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsehub_events_published_total",
		Help: "Events accepted by the HTTP publish endpoint",
	})

	subscriptionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsehub_subscriptions_rejected_total",
		Help: "Subscriptions refused by reason",
	}, []string{"reason"})
)

// startMetrics reports the go-metrics registry to w every tick until
// stopMetrics is called.
func startMetrics(w io.Writer, tick time.Duration) {
	m.log = w
	if tick > 0 {
		m.tick = tick
	}
	m.done = make(chan struct{})
	go m.start(m.done)
}

func stopMetrics() {
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	finalMetrics()
}

func finalMetrics() {
	m.writeOnce()
}

func incr(name string, i int64) {
	m.incr(name, i)
}

func decr(name string, i int64) {
	m.decr(name, i)
}

func mark(name string, i int64) {
	m.incr(name, i)
}

func count(name string) int64 {
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

func (m *metrics) start(done <-chan struct{}) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.writeOnce()
		case <-done:
			return
		}
	}
}

func (m *metrics) writeOnce() {
	gometrics.WriteJSONOnce(m.reg, m.log)
}

func (m *metrics) incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func (m *metrics) decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}
