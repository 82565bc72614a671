// Package client is a small Go client for the tradegate HTTP API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Download mirrors the download control of a view.
type Download struct {
	Visible bool   `json:"visible"`
	URL     string `json:"url,omitempty"`
}

// View is a rendered server response.
type View struct {
	Markdown  string   `json:"markdown"`
	HTML      string   `json:"html"`
	Download  Download `json:"download"`
	SessionID *string  `json:"session_id"`
	Status    string   `json:"status,omitempty"`
	Progress  int      `json:"progress,omitempty"`
}

// Session returns the session to keep polling, or "".
func (v *View) Session() string {
	if v == nil || v.SessionID == nil {
		return ""
	}
	return *v.SessionID
}

// Done reports whether the job behind v has reached a terminal state.
func (v *View) Done() bool {
	return v.Status == "complete" || v.Status == "error"
}

type ArchiveEntry struct {
	Label string `json:"label"`
	Key   string `json:"key"`
}

// APIError is returned for non-2xx responses. View is set when the server
// answered with a rendered view.
type APIError struct {
	StatusCode int
	Message    string
	View       *View
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradegate: %d %s", e.StatusCode, e.Message)
}

type Client struct {
	base string
	http *http.Client
}

// New returns a client for the server at baseURL. A nil hc uses a client with
// a 30 second timeout.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Start begins an analysis. An empty date lets the server pick today.
func (c *Client) Start(ctx context.Context, ticker, date string) (*View, error) {
	body, err := json.Marshal(map[string]string{"ticker": ticker, "date": date})
	if err != nil {
		return nil, err
	}
	var v View
	if err := c.do(ctx, http.MethodPost, "/api/v1/analyses", body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) Status(ctx context.Context, sessionID string) (*View, error) {
	var v View
	path := "/api/v1/status?session_id=" + url.QueryEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Wait polls the status of sessionID every interval until the job is
// terminal, calling onUpdate with every view.
func (c *Client) Wait(ctx context.Context, sessionID string, interval time.Duration, onUpdate func(*View)) (*View, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		v, err := c.Status(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(v)
		}
		if v.Done() || v.Session() == "" {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) Archive(ctx context.Context) ([]ArchiveEntry, error) {
	var out struct {
		Entries []ArchiveEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/archive", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *Client) Show(ctx context.Context, key string) (*View, error) {
	var v View
	if err := c.do(ctx, http.MethodGet, "/api/v1/archive/"+url.PathEscape(key), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Fetch copies the artifact at a download URL path into w.
func (c *Client) Fetch(ctx context.Context, downloadURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+downloadURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var payload struct {
		Error string `json:"error"`
		View
	}
	if json.Unmarshal(data, &payload) == nil {
		switch {
		case payload.Error != "":
			apiErr.Message = payload.Error
		case payload.Markdown != "":
			v := payload.View
			apiErr.View = &v
			apiErr.Message = firstLine(v.Markdown)
		}
	}
	return apiErr
}

func firstLine(md string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(md), "\n")
	return strings.TrimSpace(strings.TrimLeft(line, "# "))
}
