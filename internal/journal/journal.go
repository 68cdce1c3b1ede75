package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/artpromedia/payhook/internal/event"
)

const (
	defaultMaxFileSize = 100 * 1024 * 1024 // 100MB
	currentFileName    = "events.log"
)

// Journal is an append-only file of verified events, written before
// processing starts. If the process dies mid-flight, Replay re-submits the
// journalled events through the pipeline on the next start; the idempotency
// gate makes replay of already-completed events harmless.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	fileSize    int64
	dir         string
	maxFileSize int64
}

type entry struct {
	Received time.Time       `json:"received"`
	Payload  json.RawMessage `json:"payload"`
}

func New(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, currentFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat journal file: %w", err)
	}
	return &Journal{
		file:        f,
		fileSize:    info.Size(),
		dir:         dir,
		maxFileSize: defaultMaxFileSize,
	}, nil
}

// Append records a verified event.
func (j *Journal) Append(evt event.Event) error {
	data, err := json.Marshal(entry{Received: evt.Received, Payload: evt.Payload})
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.fileSize >= j.maxFileSize {
		if err := j.rotateLocked(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.fileSize += int64(n)
	return nil
}

// Replay feeds every journalled event to fn in append order: rotated files
// oldest-first, then the current file. Entries that no longer parse are
// skipped rather than blocking the rest of the replay.
func (j *Journal) Replay(ctx context.Context, fn func(ctx context.Context, evt event.Event)) (int, error) {
	j.mu.Lock()
	current := j.file.Name()
	j.mu.Unlock()

	rotated, err := filepath.Glob(filepath.Join(j.dir, "events-*.log"))
	if err != nil {
		return 0, fmt.Errorf("list journal files: %w", err)
	}
	// The timestamped names sort chronologically.
	sort.Strings(rotated)

	replayed := 0
	for _, path := range append(rotated, current) {
		n, err := j.replayFile(ctx, path, fn)
		if err != nil {
			return replayed, err
		}
		replayed += n
	}
	return replayed, nil
}

func (j *Journal) replayFile(ctx context.Context, path string, fn func(ctx context.Context, evt event.Event)) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read journal %s: %w", path, err)
	}

	replayed := 0
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		evt, err := event.Parse(e.Payload, e.Received)
		if err != nil {
			continue
		}
		fn(ctx, evt)
		replayed++
	}
	return replayed, nil
}

func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal file: %w", err)
	}
	current := filepath.Join(j.dir, currentFileName)
	rotated := filepath.Join(j.dir, fmt.Sprintf("events-%s.log", time.Now().Format("20060102T150405")))
	if err := os.Rename(current, rotated); err != nil {
		return fmt.Errorf("rename journal file: %w", err)
	}
	f, err := os.OpenFile(current, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open new journal file: %w", err)
	}
	j.file = f
	j.fileSize = 0
	return nil
}

// Cleanup removes rotated journal files older than the retention window.
func (j *Journal) Cleanup(retention time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	files, err := filepath.Glob(filepath.Join(j.dir, "events-*.log"))
	if err != nil {
		return fmt.Errorf("list journal files: %w", err)
	}
	for _, file := range files {
		name := filepath.Base(file)
		// expected format: events-20060102T150405.log
		if len(name) < len("events-.log")+15 {
			continue
		}
		timeStr := name[len("events-") : len(name)-len(".log")]
		t, err := time.Parse("20060102T150405", timeStr)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("remove old journal file %s: %w", file, err)
			}
		}
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal file: %w", err)
	}
	return nil
}
