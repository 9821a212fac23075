package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"qilbeedb.org/internal/obs"
)

const defaultMaxFileSize = 50 << 20

// fileWriter appends events to a line-delimited log on a dedicated goroutine
// so disk latency never reaches the request path. The active file rotates to
// a timestamped sibling once it exceeds maxSize.
type fileWriter struct {
	path    string
	maxSize int64
	now     func() time.Time

	pending chan Event
	done    chan struct{}
}

func newFileWriter(path string, maxSize int64, now func() time.Time) (*fileWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: log path is required")
	}
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	if now == nil {
		now = time.Now
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	w := &fileWriter{
		path:    path,
		maxSize: maxSize,
		now:     now,
		pending: make(chan Event, 4096),
		done:    make(chan struct{}),
	}
	go w.run(file)
	return w, nil
}

// enqueue hands the event to the writer goroutine. A full queue drops the
// event and counts it; recording must never stall on disk.
func (w *fileWriter) enqueue(e Event) {
	select {
	case w.pending <- e:
	default:
		obs.ObserveAuditDropped()
		obs.Log(map[string]any{
			"level":      "warn",
			"msg":        "audit write queue full, event dropped from durable log",
			"event_type": e.EventType,
		})
	}
}

func (w *fileWriter) run(file *os.File) {
	defer close(w.done)
	written := w.currentSize(file)
	for e := range w.pending {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		line = append(line, '\n')
		if _, err := file.Write(line); err != nil {
			obs.Log(map[string]any{
				"level": "warn",
				"msg":   "audit append failed",
				"error": err.Error(),
			})
			continue
		}
		written += int64(len(line))
		if written >= w.maxSize {
			if rotated := w.rotate(file); rotated != nil {
				file = rotated
				written = 0
			}
		}
	}
	file.Close()
}

func (w *fileWriter) currentSize(file *os.File) int64 {
	info, err := file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// rotate renames the active file to a timestamped sibling and reopens a
// fresh one. On any error the current file stays in use.
func (w *fileWriter) rotate(file *os.File) *os.File {
	if err := file.Close(); err != nil {
		obs.Log(map[string]any{"level": "warn", "msg": "audit rotate close failed", "error": err.Error()})
	}
	stamp := w.now().UTC().Format("20060102T150405.000000000")
	if err := os.Rename(w.path, fmt.Sprintf("%s.%s", w.path, stamp)); err != nil {
		obs.Log(map[string]any{"level": "warn", "msg": "audit rotate rename failed", "error": err.Error()})
	}
	fresh, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		obs.Log(map[string]any{"level": "error", "msg": "audit rotate reopen failed", "error": err.Error()})
		return nil
	}
	return fresh
}

// prune removes rotated files last modified before the cutoff. The active
// file is never removed.
func (w *fileWriter) prune(cutoff time.Time) {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(match); err != nil {
				obs.Log(map[string]any{"level": "warn", "msg": "audit prune failed", "file": match, "error": err.Error()})
			}
		}
	}
}

// close drains pending events and releases the file.
func (w *fileWriter) close() {
	close(w.pending)
	<-w.done
}
