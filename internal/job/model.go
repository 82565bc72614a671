package job

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// ErrInvalidInput is returned when a start request fails validation.
var ErrInvalidInput = errors.New("invalid input")

// Record is the status snapshot of one analysis session. Every write replaces
// the whole record.
type Record struct {
	SessionID    string    `json:"session_id"`
	Status       Status    `json:"status"`
	Ticker       string    `json:"ticker"`
	Date         string    `json:"date"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message"`
	Result       string    `json:"result,omitempty"`
	DownloadPath string    `json:"download_path,omitempty"`
	Error        string    `json:"error,omitempty"`
	Trace        string    `json:"trace,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no memory with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// StartRequest is the payload used to start a new analysis.
type StartRequest struct {
	Ticker string `json:"ticker"`
	Date   string `json:"date"`
}

func (r *StartRequest) Validate() error {
	if strings.TrimSpace(r.Ticker) == "" {
		return fmt.Errorf("%w: ticker must not be empty", ErrInvalidInput)
	}
	return nil
}

// NormalizeTicker trims and upper-cases a ticker symbol.
func NormalizeTicker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
