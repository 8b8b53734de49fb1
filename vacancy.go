package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	eventChannelVacated = "channel_vacated"

	headerKey       = "X-Pusher-Key"
	headerSignature = "X-Pusher-Signature"
)

// maxBackoff caps a single retry delay.
const maxBackoff = 10 * time.Minute

// errPermanent marks a webhook failure that must not be retried.
var errPermanent = errors.New("permanent webhook failure")

type webhookEvent struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
}

type webhookBody struct {
	Events []webhookEvent `json:"events"`
}

// vacancyNotifier posts a signed channel_vacated webhook a debounce window
// after a channel empties. There is at most one pending timer and at most
// one delivery sequence per channel; arming a new one replaces the old.
type vacancyNotifier struct {
	url      string
	creds    credentials
	client   *http.Client
	debounce time.Duration
	retries  int
	backoff  time.Duration
	timeout  time.Duration
	log      *zap.Logger

	// isVacant is consulted before dispatch; nil means always vacant.
	isVacant func(channel string) bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	seq      uint64
	pending  map[string]pendingVacancy
	inflight map[string]pendingVacancy
	wg       sync.WaitGroup
}

type pendingVacancy struct {
	seq    uint64
	timer  *time.Timer
	cancel context.CancelFunc
}

func newVacancyNotifier(cfg vacancyConfig, creds credentials, logger *zap.Logger) *vacancyNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &vacancyNotifier{
		url:      cfg.URL,
		creds:    creds,
		client:   &http.Client{},
		debounce: cfg.Debounce,
		retries:  cfg.Retries,
		backoff:  cfg.Backoff,
		timeout:  cfg.RequestTimeout,
		log:      logger.Named("vacancy"),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]pendingVacancy),
		inflight: make(map[string]pendingVacancy),
	}
}

// enabled is false without a target URL or signing credentials; the
// notifier then does nothing.
func (n *vacancyNotifier) enabled() bool {
	return n.url != "" && n.creds.enabled()
}

// notify arms the debounce timer for channel, replacing any pending one.
func (n *vacancyNotifier) notify(channel string) {
	if !n.enabled() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx.Err() != nil {
		return
	}
	if p, ok := n.pending[channel]; ok {
		p.timer.Stop()
	}
	n.seq++
	seq := n.seq
	n.pending[channel] = pendingVacancy{
		seq:   seq,
		timer: time.AfterFunc(n.debounce, func() { n.fire(channel, seq) }),
	}
	n.log.Debug("vacancy pending", zap.String("channel", channel), zap.Duration("debounce", n.debounce))
}

// discard drops a pending notification for channel, if any.
func (n *vacancyNotifier) discard(channel string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.pending[channel]; ok {
		p.timer.Stop()
		delete(n.pending, channel)
		n.log.Debug("vacancy cancelled", zap.String("channel", channel))
	}
}

// fire runs on the timer goroutine. A timer that was replaced or cancelled
// after it started finds a different seq and does nothing.
func (n *vacancyNotifier) fire(channel string, seq uint64) {
	n.mu.Lock()
	p, ok := n.pending[channel]
	if !ok || p.seq != seq || n.ctx.Err() != nil {
		n.mu.Unlock()
		return
	}
	delete(n.pending, channel)
	if prev, ok := n.inflight[channel]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(n.ctx)
	n.inflight[channel] = pendingVacancy{seq: seq, cancel: cancel}
	n.wg.Add(1)
	n.mu.Unlock()

	defer func() {
		cancel()
		n.mu.Lock()
		if cur, ok := n.inflight[channel]; ok && cur.seq == seq {
			delete(n.inflight, channel)
		}
		n.mu.Unlock()
		n.wg.Done()
	}()

	if n.isVacant != nil && !n.isVacant(channel) {
		n.log.Debug("channel occupied again, vacancy dropped", zap.String("channel", channel))
		return
	}
	if err := n.deliver(ctx, channel); err != nil {
		n.log.Error("channel vacancy notification dropped", zap.String("channel", channel), zap.Error(err))
	}
}

// deliver posts the webhook, retrying transient failures with exponential
// backoff. 4xx responses are final.
func (n *vacancyNotifier) deliver(ctx context.Context, channel string) error {
	body := mustMarshal(webhookBody{Events: []webhookEvent{{Name: eventChannelVacated, Channel: channel}}})
	signature := sign(string(body), n.creds.secret)

	var lastErr error
	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(n.backoff, attempt)
			n.log.Info("retrying channel vacancy notification",
				zap.String("channel", channel),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := n.post(ctx, body, signature)
		if err == nil {
			webhookAttempts.WithLabelValues("success").Inc()
			n.log.Info("channel vacated", zap.String("channel", channel), zap.Int("attempts", attempt+1))
			return nil
		}
		lastErr = err
		if errors.Is(err, errPermanent) {
			webhookAttempts.WithLabelValues("rejected").Inc()
			return fmt.Errorf("not retrying: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		webhookAttempts.WithLabelValues("failed").Inc()
		n.log.Warn("channel vacancy notification failed",
			zap.String("channel", channel),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("failed after %d attempts: %w", n.retries+1, lastErr)
}

// backoffDelay is base doubled for every retry after the first, capped at
// maxBackoff.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	return min(delay, maxBackoff)
}

func (n *vacancyNotifier) post(ctx context.Context, body []byte, signature string) error {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerKey, n.creds.key)
	req.Header.Set(headerSignature, signature)

	start := time.Now()
	resp, err := n.client.Do(req)
	webhookDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d: %s", errPermanent, resp.StatusCode, strings.TrimSpace(string(text)))
	default:
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}
}

// stop cancels pending timers and in-flight retries and waits for running
// deliveries to return.
func (n *vacancyNotifier) stop() {
	n.mu.Lock()
	n.cancel()
	for channel, p := range n.pending {
		p.timer.Stop()
		delete(n.pending, channel)
	}
	n.mu.Unlock()
	n.wg.Wait()
}
