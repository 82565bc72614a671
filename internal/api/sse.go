package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/nberk2/tradegate/internal/controller"
	"github.com/nberk2/tradegate/internal/job"
)

// StreamStatus handles GET /api/v1/status/{id}/events.
// It sends a "status" event each time the job's view changes and a final
// "result" event once the job is terminal. Store change notifications drive
// the stream when the backend supports them; a poll ticker covers the rest.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	id := r.PathValue("id")

	var changes <-chan struct{}
	if watcher, ok := h.store.(job.Watcher); ok {
		ch, err := watcher.Watch(ctx, id)
		if err != nil {
			h.logger.Warn("watch job, falling back to polling", "session_id", id, "error", err)
		} else {
			changes = ch
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var last string
	// publish reports whether the stream is finished.
	publish := func() bool {
		rec, err := h.store.Get(ctx, id)
		if err != nil {
			rec = nil
		}
		res := controller.Describe(id, rec)
		if res.Status.IsTerminal() {
			writeSSEEvent(w, flusher, "result", statusResponse(res))
			return true
		}
		if res.View.Markdown != last {
			last = res.View.Markdown
			writeSSEEvent(w, flusher, "status", statusResponse(res))
		}
		return false
	}

	if publish() {
		return
	}

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-changes:
			if !open {
				changes = nil
				continue
			}
		case <-poll.C:
		}
		if publish() {
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
