package worker

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nberk2/tradegate/internal/engine"
)

// DefaultMinEntryLength drops acknowledgements and other filler from transcripts.
const DefaultMinEntryLength = 20

// FilterTranscript keeps the substantive agent messages: tool calls and
// entries shorter than minLen characters are omitted.
func FilterTranscript(msgs []engine.Message, minLen int) []engine.Message {
	var out []engine.Message
	for _, m := range msgs {
		if m.Kind == engine.KindToolCall {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if utf8.RuneCountInString(content) < minLen {
			continue
		}
		m.Content = content
		out = append(out, m)
	}
	return out
}

// Report renders a completed analysis as markdown.
func Report(ticker, date string, out *engine.Output, minLen int, generated time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Trading Analysis: %s\n\n", ticker)
	fmt.Fprintf(&b, "**Analysis Date:** %s  \n", date)
	fmt.Fprintf(&b, "**Generated:** %s\n\n", generated.UTC().Format("2006-01-02 15:04:05 UTC"))

	b.WriteString("## Final Trading Decision\n\n")
	decision := strings.TrimSpace(out.Decision)
	if decision == "" {
		decision = "_No decision returned._"
	}
	b.WriteString(decision)
	b.WriteString("\n\n")

	entries := FilterTranscript(out.Messages, minLen)
	b.WriteString("## Agent Analysis\n\n")
	if len(entries) == 0 {
		b.WriteString("_No agent messages recorded._\n")
		return b.String()
	}
	for i, m := range entries {
		if i > 0 {
			b.WriteString("---\n\n")
		}
		name := m.Agent
		if name == "" {
			name = "Agent"
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", name, m.Content)
	}
	return b.String()
}

// ErrorDetails is the diagnostic context rendered into a failure report.
type ErrorDetails struct {
	Ticker      string
	Date        string
	Time        time.Time
	StoragePath string
	Err         string
	Trace       string
}

// ErrorReport renders a failed analysis as markdown with troubleshooting
// guidance and debug fields.
func ErrorReport(d ErrorDetails) string {
	var b strings.Builder
	b.WriteString("## Analysis Error\n\n")
	fmt.Fprintf(&b, "**Error:** %s\n\n", d.Err)

	b.WriteString("### Troubleshooting\n\n")
	b.WriteString("1. Check that the analysis engine is installed and on the server's PATH.\n")
	b.WriteString("2. Verify the engine's API keys and data provider credentials.\n")
	b.WriteString("3. Confirm the ticker symbol exists and the date is a trading day.\n")
	b.WriteString("4. Retry the analysis; transient provider errors are common.\n\n")

	b.WriteString("### Debug Info\n\n")
	fmt.Fprintf(&b, "- Ticker: `%s`\n", d.Ticker)
	fmt.Fprintf(&b, "- Date: `%s`\n", d.Date)
	fmt.Fprintf(&b, "- Timestamp: `%s`\n", d.Time.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Storage path: `%s`\n", d.StoragePath)

	if d.Trace != "" {
		b.WriteString("\n### Trace\n\n```\n")
		b.WriteString(strings.TrimRight(d.Trace, "\n"))
		b.WriteString("\n```\n")
	}
	return b.String()
}
