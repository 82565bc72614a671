// Package view renders job state and archive entries as markdown with a
// sanitized HTML twin for browsers.
package view

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// NoAnalysesLabel is the single placeholder entry of an empty archive listing.
const NoAnalysesLabel = "No analyses found"

const barWidth = 20

var (
	md     = goldmark.New(goldmark.WithExtensions(extension.GFM))
	policy = bluemonday.UGCPolicy()
)

// View is one rendered response.
type View struct {
	Markdown string `json:"markdown"`
	HTML     string `json:"html"`
}

// Download describes the download control shown next to a view.
type Download struct {
	Visible bool   `json:"visible"`
	URL     string `json:"url,omitempty"`
}

// Hidden is the download control for every non-complete state.
var Hidden = Download{}

// ArchiveEntry is one row of the archive listing.
type ArchiveEntry struct {
	Label string `json:"label"`
	Key   string `json:"key"`
}

// Render converts markdown into a View. Raw HTML in the source is dropped and
// the output is sanitized.
func Render(markdown string) View {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return View{Markdown: markdown, HTML: policy.Sanitize("<pre>" + markdown + "</pre>")}
	}
	return View{Markdown: markdown, HTML: policy.Sanitize(buf.String())}
}

func Idle() View {
	return Render("Enter a ticker symbol and an analysis date, then press **Start Analysis**.")
}

func Started(ticker, sessionID string) View {
	return Render(fmt.Sprintf("## Analysis Started: %s\n\nSession `%s` is queued. Press **Check Status** to follow its progress.", ticker, sessionID))
}

func InvalidInput(reason string) View {
	return Render(fmt.Sprintf("## Invalid Input\n\n%s", reason))
}

func Busy() View {
	return Render("## Server Busy\n\nToo many analyses are waiting. Try again in a few minutes.")
}

func Initializing() View {
	return Render("## Initializing\n\nThe analysis is starting up. Check status again in a few seconds.")
}

// Progress renders a running job as a text progress bar and its step message.
func Progress(progress int, message string) View {
	return Render(fmt.Sprintf("## Analysis in Progress\n\n`%s` %d%%\n\n%s", Bar(progress), clamp(progress), message))
}

func Unknown(status string) View {
	return Render(fmt.Sprintf("## Unknown Status\n\nThe job reported an unrecognized status `%s`.", status))
}

func ArchiveNotFound(key string) View {
	return Render(fmt.Sprintf("## Not Found\n\nNo archived analysis exists for `%s`.", key))
}

func ArchiveError() View {
	return Render("## Error Loading Analysis\n\nThe archived analysis could not be read.")
}

// Bar draws progress as a fixed-width bar of filled and empty cells.
func Bar(progress int) string {
	filled := clamp(progress) * barWidth / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

func clamp(p int) int {
	return min(max(p, 0), 100)
}
