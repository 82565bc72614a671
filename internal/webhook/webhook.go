// Package webhook posts a notification to an operator-configured URL whenever
// an analysis reaches a terminal state.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/nberk2/tradegate/internal/job"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Payload is the JSON body posted for a finished analysis.
type Payload struct {
	SessionID    string     `json:"session_id"`
	Ticker       string     `json:"ticker"`
	Date         string     `json:"date"`
	Status       job.Status `json:"status"`
	DownloadPath string     `json:"download_path,omitempty"`
	Error        string     `json:"error,omitempty"`
	FinishedAt   time.Time  `json:"finished_at"`
}

// Notifier delivers payloads in the background.
// 8 retries max with full-jitter exponential backoff (cap 5 min). 30s timeout per request.
type Notifier struct {
	url       string
	client    *http.Client
	logger    *slog.Logger
	retryBase time.Duration
	wg        sync.WaitGroup

	// stop ends every delivery regardless of the context passed to Notify.
	stop     context.Context
	stopFunc context.CancelFunc
}

// New validates rawURL and returns a Notifier posting to it.
func New(rawURL string, logger *slog.Logger) (*Notifier, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	stop, stopFunc := context.WithCancel(context.Background())
	return &Notifier{
		url:       rawURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		retryBase: retryBase,
		stop:      stop,
		stopFunc:  stopFunc,
	}, nil
}

// validateURL accepts absolute http and https URLs.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", rawURL)
	}
	return nil
}

// Notify queues delivery for a terminal record and returns immediately.
// Retries stop when ctx is done or the Notifier is shut down.
func (n *Notifier) Notify(ctx context.Context, r *job.Record) {
	if r == nil || !r.Status.IsTerminal() || n.stop.Err() != nil {
		return
	}
	payload, err := json.Marshal(Payload{
		SessionID:    r.SessionID,
		Ticker:       r.Ticker,
		Date:         r.Date,
		Status:       r.Status,
		DownloadPath: r.DownloadPath,
		Error:        r.Error,
		FinishedAt:   r.UpdatedAt,
	})
	if err != nil {
		n.logger.Error("webhook: encode payload", "session_id", r.SessionID, "error", err)
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(n.stop, cancel)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		defer unlink()
		n.send(ctx, r.SessionID, payload)
	}()
}

// Wait blocks until all in-flight deliveries have finished or given up.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Shutdown waits for in-flight deliveries until ctx is done, then abandons
// whatever is still retrying. It returns ctx.Err() if deliveries were abandoned.
func (n *Notifier) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.stopFunc()
		return nil
	case <-ctx.Done():
		n.stopFunc()
		<-done
		return ctx.Err()
	}
}

func (n *Notifier) send(ctx context.Context, sessionID string, payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := n.post(ctx, payload)
		if err == nil {
			return
		}
		n.logger.Warn("webhook attempt failed", "attempt", attempt, "session_id", sessionID, "error", err)
		if attempt < retryAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(n.retryBase, attempt)):
			}
		}
	}
	n.logger.Error("webhook: all retries exhausted", "session_id", sessionID)
}

// jitter returns a random duration between 0 and min(retryCap, base * 2^attempt).
func jitter(base time.Duration, attempt int) time.Duration {
	exp := min(base*(1<<attempt), retryCap)
	if exp <= 0 {
		return 0
	}
	return rand.N(exp)
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
