// Package archive stores completed analyses as immutable file pairs: a JSON
// record for machines and a markdown rendering for people. Keys have the form
// TICKER_DATE_YYYYMMDD_HHMMSS_micros.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nberk2/tradegate/internal/fsutil"
)

// ErrNotFound is returned when no archive entry exists for a key.
var ErrNotFound = errors.New("archive entry not found")

const (
	recordExt = ".json"
	textExt   = ".md"

	keyTimeLayout = "20060102_150405"
)

// Record is the machine-readable half of an archive entry.
type Record struct {
	Key       string    `json:"key"`
	Ticker    string    `json:"ticker"`
	Date      string    `json:"date"`
	CreatedAt time.Time `json:"created_at"`
	Result    string    `json:"result"`
}

// Entry describes an archive entry without loading its text.
type Entry struct {
	Key       string
	Ticker    string
	Date      string
	CreatedAt time.Time
}

// Label is the display string shown in archive listings.
func (e Entry) Label() string {
	return fmt.Sprintf("%s | %s | %s", e.Ticker, e.Date, e.CreatedAt.Format("2006-01-02 15:04:05"))
}

type Archive struct {
	dir string
	now func() time.Time
}

type Option func(*Archive)

// WithClock overrides the time source used for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates dir if needed and returns an archive rooted there.
func New(dir string, opts ...Option) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	a := &Archive{dir: dir, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func makeKey(ticker, date string, created time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%06d",
		fsutil.SafeName(ticker),
		fsutil.SafeName(date),
		created.Format(keyTimeLayout),
		created.Nanosecond()/int(time.Microsecond),
	)
}

// parseKey splits a key into its parts. Ticker and date never contain '_'
// because SafeName replaces it.
func parseKey(key string) (Entry, bool) {
	parts := strings.Split(key, "_")
	if len(parts) != 5 {
		return Entry{}, false
	}
	created, err := time.ParseInLocation(keyTimeLayout, parts[2]+"_"+parts[3], time.UTC)
	if err != nil {
		return Entry{}, false
	}
	if len(parts[4]) != 6 {
		return Entry{}, false
	}
	micros, err := strconv.Atoi(parts[4])
	if err != nil {
		return Entry{}, false
	}
	created = created.Add(time.Duration(micros) * time.Microsecond)
	return Entry{Key: key, Ticker: parts[0], Date: parts[1], CreatedAt: created}, true
}

func validKey(key string) bool {
	if strings.ContainsAny(key, `/\`) {
		return false
	}
	_, ok := parseKey(key)
	return ok
}

// Put writes a new immutable entry and returns its record.
func (a *Archive) Put(_ context.Context, ticker, date, result string) (*Record, error) {
	created := a.now().UTC()
	rec := &Record{
		Key:       makeKey(ticker, date, created),
		Ticker:    ticker,
		Date:      date,
		CreatedAt: created,
		Result:    result,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode archive record: %w", err)
	}
	// The markdown file goes first: List keys off the JSON file, so an entry
	// only becomes visible once both halves exist.
	textPath := filepath.Join(a.dir, rec.Key+textExt)
	if err := fsutil.WriteFileAtomic(textPath, []byte(result), 0o644); err != nil {
		return nil, fmt.Errorf("write archive text: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(a.dir, rec.Key+recordExt), data, 0o644); err != nil {
		os.Remove(textPath)
		return nil, fmt.Errorf("write archive record: %w", err)
	}
	return rec, nil
}

// List returns all entries, most recent first.
func (a *Archive) List(_ context.Context) ([]Entry, error) {
	des, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	var entries []Entry
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		e, ok := parseKey(strings.TrimSuffix(name, recordExt))
		if !ok {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Key > entries[j].Key
	})
	return entries, nil
}

// Text returns the rendered markdown stored for key.
func (a *Archive) Text(_ context.Context, key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	data, err := os.ReadFile(filepath.Join(a.dir, key+textExt))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("read archive text %s: %w", key, err)
	}
	return string(data), nil
}

// Get returns the machine-readable record stored for key.
func (a *Archive) Get(_ context.Context, key string) (*Record, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	data, err := os.ReadFile(filepath.Join(a.dir, key+recordExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read archive record %s: %w", key, err)
	}
	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode archive record %s: %w", key, err)
	}
	return rec, nil
}
