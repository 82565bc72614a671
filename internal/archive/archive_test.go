package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// stepClock returns a clock that advances by step on every call.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	t := start
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func newTestArchive(t *testing.T, opts ...Option) *Archive {
	t.Helper()
	a, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestPut_RecordWriteFailureLeavesNoText(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 10, 16, 14, 3, 22, 0, time.UTC)
	a := newTestArchive(t, WithClock(func() time.Time { return start }))
	key := makeKey("SPY", "2025-10-15", start)

	// A directory in place of the JSON file makes the final rename fail.
	if err := os.Mkdir(filepath.Join(a.dir, key+recordExt), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Put(context.Background(), "SPY", "2025-10-15", "# Trading Analysis: SPY"); err == nil {
		t.Fatal("Put succeeded, want error")
	}
	if _, err := os.Stat(filepath.Join(a.dir, key+textExt)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("text file left behind: %v", err)
	}
}

func TestPut_WritesFilePair(t *testing.T) {
	t.Parallel()
	start := time.Date(2025, 10, 16, 14, 3, 22, 123456000, time.UTC)
	a := newTestArchive(t, WithClock(stepClock(start, time.Second)))

	rec, err := a.Put(context.Background(), "SPY", "2025-10-15", "# Trading Analysis: SPY")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rec.Key != "SPY_2025-10-15_20251016_140322_123456" {
		t.Errorf("Key = %q", rec.Key)
	}
	for _, ext := range []string{".json", ".md"} {
		if _, err := os.Stat(filepath.Join(a.dir, rec.Key+ext)); err != nil {
			t.Errorf("missing %s file: %v", ext, err)
		}
	}

	got, err := a.Get(context.Background(), rec.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Ticker != "SPY" || got.Date != "2025-10-15" || !got.CreatedAt.Equal(start) {
		t.Errorf("Get = %+v", got)
	}

	text, err := a.Text(context.Background(), rec.Key)
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "# Trading Analysis: SPY" {
		t.Errorf("Text = %q", text)
	}
}

func TestList_MostRecentFirst(t *testing.T) {
	t.Parallel()
	a := newTestArchive(t, WithClock(stepClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Minute)))
	ctx := context.Background()

	for _, ticker := range []string{"AAPL", "ZZZ", "MSFT"} {
		if _, err := a.Put(ctx, ticker, "2025-01-01", "text for "+ticker); err != nil {
			t.Fatalf("Put %s: %v", ticker, err)
		}
	}

	entries, err := a.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Ticker)
	}
	want := []string{"MSFT", "ZZZ", "AAPL"}
	if len(got) != len(want) {
		t.Fatalf("List tickers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List tickers = %v, want %v", got, want)
			break
		}
	}
	if label := entries[0].Label(); label != "MSFT | 2025-01-01 | 2025-01-01 00:02:00" {
		t.Errorf("Label = %q", label)
	}
}

func TestList_Empty(t *testing.T) {
	t.Parallel()
	a := newTestArchive(t)
	entries, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List = %v, want empty", entries)
	}
}

func TestList_SkipsForeignFiles(t *testing.T) {
	t.Parallel()
	a := newTestArchive(t)
	for _, name := range []string{"README.json", ".SPY_x.json.tmp-1", "notes.md"} {
		if err := os.WriteFile(filepath.Join(a.dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	entries, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List = %v, want empty", entries)
	}
}

func TestText_NotFound(t *testing.T) {
	t.Parallel()
	a := newTestArchive(t)
	for _, key := range []string{"SPY_2025-10-15_20251016_140322_000000", "../../etc/passwd", "garbage"} {
		_, err := a.Text(context.Background(), key)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Text(%q) = %v, want ErrNotFound", key, err)
		}
	}
}

func TestPut_SanitizesKeyParts(t *testing.T) {
	t.Parallel()
	a := newTestArchive(t)
	rec, err := a.Put(context.Background(), "BRK_B/../x", "2025_10_15", "text")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := parseKey(rec.Key); !ok {
		t.Errorf("key %q does not round-trip through parseKey", rec.Key)
	}
	entries, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != rec.Key {
		t.Errorf("List = %v, want single entry %q", entries, rec.Key)
	}
}
