// Package engine defines the contract of the external multi-agent analysis
// engine and a command-line implementation of it.
//
// The engine is assumed safe for one caller at a time: ResetIndex clears a
// process-wide vector index that a concurrent Propagate may be reading.
package engine

import "context"

type Kind string

const (
	KindMessage  Kind = "message"
	KindToolCall Kind = "tool_call"
)

// Message is one entry of the agents' transcript.
type Message struct {
	Agent   string `json:"agent"`
	Role    string `json:"role,omitempty"`
	Kind    Kind   `json:"type"`
	Content string `json:"content"`
}

// Output is what a completed analysis returns.
type Output struct {
	Decision string
	Messages []Message
}

// Engine runs analyses. Propagate blocks until the collaborator finishes,
// typically tens of seconds.
type Engine interface {
	Propagate(ctx context.Context, ticker, date string) (*Output, error)
}

// IndexResetter clears the engine's persistent memory index.
type IndexResetter interface {
	ResetIndex(ctx context.Context) error
}

// Factory constructs an engine with its default configuration.
type Factory func() (Engine, error)
