package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nberk2/tradegate/internal/archive"
	"github.com/nberk2/tradegate/internal/engine"
	"github.com/nberk2/tradegate/internal/job"
	"github.com/nberk2/tradegate/internal/queue"
	"github.com/nberk2/tradegate/internal/view"
	"github.com/nberk2/tradegate/internal/worker"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type submission struct{ id, ticker, date string }

type recordingDispatcher struct {
	mu   sync.Mutex
	subs []submission
}

func (d *recordingDispatcher) Submit(_ context.Context, id, ticker, date string) error {
	d.mu.Lock()
	d.subs = append(d.subs, submission{id, ticker, date})
	d.mu.Unlock()
	return nil
}

type errStore struct{ job.Store }

func (errStore) Get(context.Context, string) (*job.Record, error) {
	return nil, errors.New("unexpected end of JSON input")
}

type brokenArchive struct{}

func (brokenArchive) List(context.Context) ([]archive.Entry, error) {
	return nil, errors.New("permission denied")
}

func (brokenArchive) Text(context.Context, string) (string, error) {
	return "", errors.New("permission denied")
}

func (brokenArchive) Get(context.Context, string) (*archive.Record, error) {
	return nil, errors.New("permission denied")
}

func newTestArchive(t *testing.T) *archive.Archive {
	t.Helper()
	a, err := archive.New(t.TempDir())
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}
	return a
}

func TestStartAnalysis(t *testing.T) {
	d := &recordingDispatcher{}
	c := New(job.NewMemoryStore(), newTestArchive(t), d, WithLogger(discard))

	res := c.StartAnalysis(context.Background(), job.StartRequest{Ticker: " spy ", Date: "2025-10-15"})
	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if !strings.Contains(res.View.Markdown, "Analysis Started: SPY") {
		t.Errorf("view = %q", res.View.Markdown)
	}
	if res.SessionID == "" {
		t.Fatal("empty session id")
	}
	if len(d.subs) != 1 || d.subs[0] != (submission{res.SessionID, "SPY", "2025-10-15"}) {
		t.Errorf("submissions = %+v", d.subs)
	}

	again := c.StartAnalysis(context.Background(), job.StartRequest{Ticker: "SPY", Date: "2025-10-15"})
	if again.SessionID == res.SessionID {
		t.Error("session ids must be unique")
	}
}

func TestStartAnalysis_InvalidInput(t *testing.T) {
	for _, ticker := range []string{"", "   ", "\t\n"} {
		d := &recordingDispatcher{}
		store := job.NewMemoryStore()
		arch := newTestArchive(t)
		c := New(store, arch, d, WithLogger(discard))

		res := c.StartAnalysis(context.Background(), job.StartRequest{Ticker: ticker, Date: "2025-10-15"})
		if !strings.Contains(res.View.Markdown, "Invalid Input") {
			t.Errorf("ticker %q: view = %q", ticker, res.View.Markdown)
		}
		if res.SessionID != "" {
			t.Errorf("ticker %q: session id = %q, want empty", ticker, res.SessionID)
		}
		if !errors.Is(res.Err, job.ErrInvalidInput) {
			t.Errorf("ticker %q: Err = %v", ticker, res.Err)
		}
		if len(d.subs) != 0 {
			t.Errorf("ticker %q: dispatched %d jobs", ticker, len(d.subs))
		}
		if ids, _ := store.List(context.Background()); len(ids) != 0 {
			t.Errorf("ticker %q: job records created", ticker)
		}
		if entries, _ := arch.List(context.Background()); len(entries) != 0 {
			t.Errorf("ticker %q: archive records created", ticker)
		}
	}
}

func TestStartAnalysis_DefaultDate(t *testing.T) {
	d := &recordingDispatcher{}
	now := time.Date(2025, 10, 16, 9, 30, 0, 0, time.UTC)
	c := New(job.NewMemoryStore(), newTestArchive(t), d, WithLogger(discard), WithClock(func() time.Time { return now }))

	c.StartAnalysis(context.Background(), job.StartRequest{Ticker: "QQQ"})
	if len(d.subs) != 1 || d.subs[0].date != "2025-10-16" {
		t.Errorf("submissions = %+v, want date 2025-10-16", d.subs)
	}
}

func TestStartAnalysis_QueueFull(t *testing.T) {
	q := queue.New(nil, 0, 1, discard)
	c := New(job.NewMemoryStore(), newTestArchive(t), q, WithLogger(discard))

	res := c.StartAnalysis(context.Background(), job.StartRequest{Ticker: "SPY", Date: "2025-10-15"})
	if !errors.Is(res.Err, queue.ErrQueueFull) {
		t.Errorf("Err = %v, want ErrQueueFull", res.Err)
	}
	if res.SessionID != "" || !strings.Contains(res.View.Markdown, "Server Busy") {
		t.Errorf("result = %+v", res)
	}
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()
	store := job.NewMemoryStore()
	puts := []*job.Record{
		{SessionID: "running", Status: job.StatusRunning, Progress: 40, Message: "Running multi-agent analysis…"},
		{SessionID: "done", Status: job.StatusComplete, Progress: 100, Result: "## Final Trading Decision\n\nBUY", DownloadPath: "/data/downloads/SPY_2025-10-15.md"},
		{SessionID: "failed", Status: job.StatusError, Result: "## Analysis Error\n\nboom"},
		{SessionID: "weird", Status: "paused"},
	}
	for _, r := range puts {
		if err := store.Put(ctx, r.SessionID, r); err != nil {
			t.Fatal(err)
		}
	}
	c := New(store, newTestArchive(t), &recordingDispatcher{}, WithLogger(discard))

	tests := []struct {
		name        string
		id          string
		wantText    string
		wantNext    string
		wantVisible bool
		wantURL     string
	}{
		{name: "no session", id: "", wantText: "Start Analysis"},
		{name: "never submitted", id: "nope", wantText: "Initializing", wantNext: "nope"},
		{name: "running", id: "running", wantText: "40%", wantNext: "running"},
		{name: "complete", id: "done", wantText: "Final Trading Decision", wantVisible: true, wantURL: "/api/v1/downloads/SPY_2025-10-15.md"},
		{name: "error", id: "failed", wantText: "Analysis Error"},
		{name: "unknown status", id: "weird", wantText: "Unknown Status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.CheckStatus(ctx, tt.id)
			if !strings.Contains(res.View.Markdown, tt.wantText) {
				t.Errorf("view = %q, want %q", res.View.Markdown, tt.wantText)
			}
			if res.SessionID != tt.wantNext {
				t.Errorf("next session = %q, want %q", res.SessionID, tt.wantNext)
			}
			if res.Download.Visible != tt.wantVisible || res.Download.URL != tt.wantURL {
				t.Errorf("download = %+v", res.Download)
			}
		})
	}
}

func TestCheckStatus_UnreadableRecord(t *testing.T) {
	c := New(errStore{job.NewMemoryStore()}, newTestArchive(t), &recordingDispatcher{}, WithLogger(discard))
	res := c.CheckStatus(context.Background(), "s1")
	if !strings.Contains(res.View.Markdown, "Initializing") || res.SessionID != "s1" {
		t.Errorf("result = %+v", res)
	}
}

func TestListArchive(t *testing.T) {
	ctx := context.Background()
	arch := newTestArchive(t)
	c := New(job.NewMemoryStore(), arch, &recordingDispatcher{}, WithLogger(discard))

	got := c.ListArchive(ctx)
	if len(got) != 1 || got[0].Label != view.NoAnalysesLabel || got[0].Key != "" {
		t.Errorf("empty listing = %+v", got)
	}

	first, err := arch.Put(ctx, "SPY", "2025-10-15", "a")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := arch.Put(ctx, "QQQ", "2025-10-15", "b")
	if err != nil {
		t.Fatal(err)
	}

	got = c.ListArchive(ctx)
	if len(got) != 2 || got[0].Key != second.Key || got[1].Key != first.Key {
		t.Fatalf("listing = %+v", got)
	}
	if !strings.HasPrefix(got[0].Label, "QQQ | 2025-10-15 | ") {
		t.Errorf("label = %q", got[0].Label)
	}

	broken := New(job.NewMemoryStore(), brokenArchive{}, &recordingDispatcher{}, WithLogger(discard))
	if got := broken.ListArchive(ctx); len(got) != 1 || got[0].Label != view.NoAnalysesLabel {
		t.Errorf("broken listing = %+v", got)
	}
}

func TestLoadArchive(t *testing.T) {
	ctx := context.Background()
	arch := newTestArchive(t)
	c := New(job.NewMemoryStore(), arch, &recordingDispatcher{}, WithLogger(discard))

	rec, err := arch.Put(ctx, "SPY", "2025-10-15", "## Final Trading Decision\n\nHOLD")
	if err != nil {
		t.Fatal(err)
	}
	v, err := c.LoadArchive(ctx, rec.Key)
	if err != nil || !strings.Contains(v.Markdown, "HOLD") {
		t.Errorf("LoadArchive = %q, %v", v.Markdown, err)
	}

	v, err = c.LoadArchive(ctx, "SPY_2025-10-15_20000101_000000_000000")
	if !errors.Is(err, archive.ErrNotFound) || !strings.Contains(v.Markdown, "Not Found") {
		t.Errorf("missing key = %q, %v", v.Markdown, err)
	}

	broken := New(job.NewMemoryStore(), brokenArchive{}, &recordingDispatcher{}, WithLogger(discard))
	v, err = broken.LoadArchive(ctx, rec.Key)
	if err == nil || !strings.Contains(v.Markdown, "Error Loading") {
		t.Errorf("broken = %q, %v", v.Markdown, err)
	}
}

func TestArchiveRecord(t *testing.T) {
	ctx := context.Background()
	arch := newTestArchive(t)
	c := New(job.NewMemoryStore(), arch, &recordingDispatcher{}, WithLogger(discard))

	rec, err := arch.Put(ctx, "NVDA", "2025-01-02", "## Final Trading Decision\n\nSELL")
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.ArchiveRecord(ctx, rec.Key)
	if err != nil {
		t.Fatalf("ArchiveRecord: %v", err)
	}
	if got.Ticker != "NVDA" || got.Date != "2025-01-02" || !strings.Contains(got.Result, "SELL") {
		t.Errorf("record = %+v", got)
	}

	if _, err := c.ArchiveRecord(ctx, "../etc/passwd"); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("bad key err = %v, want ErrNotFound", err)
	}

	broken := New(job.NewMemoryStore(), brokenArchive{}, &recordingDispatcher{}, WithLogger(discard))
	if _, err := broken.ArchiveRecord(ctx, rec.Key); err == nil || errors.Is(err, archive.ErrNotFound) {
		t.Errorf("broken err = %v", err)
	}
}

// gatedEngine blocks every analysis until release is closed.
type gatedEngine struct {
	release chan struct{}
}

func (e *gatedEngine) Propagate(_ context.Context, ticker, _ string) (*engine.Output, error) {
	<-e.release
	return &engine.Output{
		Decision: "BUY " + ticker,
		Messages: []engine.Message{{Agent: "Market Analyst", Kind: engine.KindMessage, Content: "Analysis of " + ticker + " shows a strong uptrend."}},
	}, nil
}

func waitTerminal(t *testing.T, c *Controller, id string) StatusResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res := c.CheckStatus(context.Background(), id)
		if res.Status.IsTerminal() {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not finish", id)
	return StatusResult{}
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := job.NewMemoryStore()
	arch := newTestArchive(t)
	eng := &gatedEngine{release: make(chan struct{})}
	w := worker.New(store, arch, nil, func() (engine.Engine, error) { return eng, nil }, t.TempDir(), worker.WithLogger(discard))
	q := queue.New(w, 10, 2, discard)
	q.Start(ctx)
	c := New(store, arch, q, WithLogger(discard))

	start := time.Now()
	spy := c.StartAnalysis(ctx, job.StartRequest{Ticker: "SPY", Date: "2025-10-15"})
	qqq := c.StartAnalysis(ctx, job.StartRequest{Ticker: "QQQ", Date: "2025-10-14"})
	if d := time.Since(start); d > time.Second {
		t.Errorf("StartAnalysis blocked for %v", d)
	}
	if !strings.Contains(spy.View.Markdown, "Analysis Started: SPY") || spy.SessionID == "" {
		t.Fatalf("start = %+v", spy)
	}

	poll := c.CheckStatus(ctx, spy.SessionID)
	if poll.Status == "" {
		if !strings.Contains(poll.View.Markdown, "Initializing") {
			t.Errorf("first poll = %q", poll.View.Markdown)
		}
	} else if poll.Status != job.StatusRunning || poll.Progress < 10 {
		t.Errorf("first poll status=%s progress=%d", poll.Status, poll.Progress)
	}
	if poll.SessionID != spy.SessionID || poll.Download.Visible {
		t.Errorf("first poll = %+v", poll)
	}

	close(eng.release)
	spyDone := waitTerminal(t, c, spy.SessionID)
	qqqDone := waitTerminal(t, c, qqq.SessionID)

	if spyDone.Status != job.StatusComplete || !strings.Contains(spyDone.View.Markdown, "Final Trading Decision") {
		t.Fatalf("SPY final = %+v", spyDone)
	}
	if !spyDone.Download.Visible || spyDone.SessionID != "" {
		t.Errorf("SPY download=%+v next=%q", spyDone.Download, spyDone.SessionID)
	}
	if !strings.Contains(spyDone.View.Markdown, "BUY SPY") || strings.Contains(spyDone.View.Markdown, "QQQ") {
		t.Error("SPY result contaminated")
	}
	if !strings.Contains(qqqDone.View.Markdown, "BUY QQQ") || strings.Contains(qqqDone.View.Markdown, "SPY") {
		t.Error("QQQ result contaminated")
	}

	rec, _ := store.Get(ctx, spy.SessionID)
	again, _ := store.Get(ctx, spy.SessionID)
	if *rec != *again {
		t.Error("terminal record changed between reads")
	}

	entries, err := arch.List(ctx)
	if err != nil || len(entries) != 2 {
		t.Fatalf("archive = %+v, %v", entries, err)
	}
	byTicker := map[string]string{}
	for _, e := range entries {
		byTicker[e.Ticker] = e.Date
	}
	if byTicker["SPY"] != "2025-10-15" || byTicker["QQQ"] != "2025-10-14" {
		t.Errorf("archive entries = %+v", entries)
	}
	text, err := arch.Text(ctx, entries[0].Key)
	if err != nil || text == "" {
		t.Errorf("archive text = %q, %v", text, err)
	}
}
