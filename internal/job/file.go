package job

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"

	"github.com/nberk2/tradegate/internal/fsutil"
)

const recordExt = ".json"

// FileStore keeps one JSON file per session in dir. Writes go through a
// temp-file rename, so a concurrent reader sees a whole record or none.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

func (s *FileStore) Put(_ context.Context, id string, r *Record) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}
	if err := fsutil.WriteFileAtomic(s.path(id), data, 0o644); err != nil {
		return fmt.Errorf("put record %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (*Record, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return readRecord(s.path(id))
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	r := &Record{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", filepath.Base(path), err)
	}
	return r, nil
}

type fileEntry struct {
	id      string
	modTime time.Time
}

func (s *FileStore) entries() ([]fileEntry, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list jobs dir: %w", err)
	}
	var out []fileEntry
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, fileEntry{id: strings.TrimSuffix(name, recordExt), modTime: info.ModTime()})
	}
	return out, nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].modTime.After(entries[j].modTime)
		}
		return entries[i].id > entries[j].id
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	entries, err := s.entries()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, e := range entries {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		r, err := readRecord(s.path(e.id))
		if err != nil || r == nil {
			continue
		}
		if !r.Status.IsTerminal() || !r.UpdatedAt.Before(before) {
			continue
		}
		if err := s.Delete(ctx, e.id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Watch reports changes to the record file for id using fsnotify on the jobs
// directory. The rename performed by Put surfaces as a Create event for the
// final file name.
func (s *FileStore) Watch(ctx context.Context, id string) (<-chan struct{}, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}

	target := id + recordExt
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(e.Name) != target || !e.Has(fsnotify.Create|fsnotify.Write) {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("job watcher error", "session_id", id, "error", err)
			}
		}
	}()
	return ch, nil
}
