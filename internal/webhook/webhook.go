// Package webhook posts sweep reports to an operator-configured URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/reelsched/reelsched/internal/metrics"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Envelope is the JSON body of every delivery.
type Envelope struct {
	Event  string    `json:"event"`
	SentAt time.Time `json:"sent_at"`
	Data   any       `json:"data"`
}

// Notifier delivers events asynchronously with up to 8 attempts and
// full-jitter exponential backoff (cap 5 min), 30s timeout per request.
type Notifier struct {
	url          string
	allowPrivate bool
	client       *http.Client
	metrics      metrics.Sink
	sleep        func(context.Context, time.Duration) error
	wg           sync.WaitGroup

	// base is cancelled by Shutdown and stops every pending delivery.
	base   context.Context
	cancel context.CancelFunc
}

// New returns a Notifier for rawURL. Private and loopback targets are
// refused at delivery time unless allowPrivate is set.
func New(rawURL string, allowPrivate bool) *Notifier {
	base, cancel := context.WithCancel(context.Background())
	return &Notifier{
		url:          rawURL,
		allowPrivate: allowPrivate,
		client:       &http.Client{Timeout: 30 * time.Second},
		metrics:      metrics.NewNoopSink(),
		sleep:        sleepContext,
		base:         base,
		cancel:       cancel,
	}
}

func (n *Notifier) WithMetrics(sink metrics.Sink) *Notifier {
	n.metrics = sink
	return n
}

// Notify sends event in the background. Cancelling ctx does not stop the
// delivery; only Shutdown does.
func (n *Notifier) Notify(ctx context.Context, event string, data any) {
	if n == nil || n.url == "" {
		return
	}
	if err := validateURL(n.url, n.allowPrivate); err != nil {
		slog.Warn("webhook: rejected URL", "url", n.url, "error", err)
		n.metrics.NotifyOutcome(metrics.NotifyAbandoned)
		return
	}
	payload, err := json.Marshal(Envelope{Event: event, SentAt: time.Now().UTC(), Data: data})
	if err != nil {
		slog.Error("webhook: encode payload", "event", event, "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(n.base, cancel)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		defer stop()
		n.send(ctx, payload)
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// Shutdown waits for in-flight deliveries until ctx is done, then abandons
// the ones still retrying and waits for them to return.
func (n *Notifier) Shutdown(ctx context.Context) error {
	if n == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}

// validateURL blocks non-HTTP schemes and, unless allowPrivate, private or
// internal IP ranges.
func validateURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (n *Notifier) send(ctx context.Context, payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			n.metrics.NotifyOutcome(metrics.NotifyAbandoned)
			return
		}
		err := n.post(ctx, payload)
		if err == nil {
			n.metrics.NotifyOutcome(metrics.NotifyDelivered)
			return
		}
		slog.Warn("webhook attempt failed", "attempt", attempt, "url", n.url, "error", err)
		if attempt < retryAttempts {
			if n.sleep(ctx, jitter(attempt)) != nil {
				n.metrics.NotifyOutcome(metrics.NotifyAbandoned)
				slog.Warn("webhook: delivery abandoned on shutdown", "url", n.url, "attempt", attempt)
				return
			}
		}
	}
	n.metrics.NotifyOutcome(metrics.NotifyAbandoned)
	slog.Error("webhook: all retries exhausted", "url", n.url)
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
