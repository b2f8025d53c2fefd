package comms

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/just-every/magi/pkg/models"
)

// Journal persists the per-process event history to messages.json under the
// engine's output directory. Delta events are never persisted. Each append
// rewrites the whole file through a temp-and-rename so a crash mid-write
// cannot corrupt the history.
type Journal struct {
	mu     sync.Mutex
	path   string
	events []*models.Event
}

// OpenJournal loads (or creates) the journal for processID under outputDir.
func OpenJournal(outputDir, processID string) (*Journal, error) {
	dir := filepath.Join(outputDir, processID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	j := &Journal{path: filepath.Join(dir, "messages.json")}

	data, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return j, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &j.events); err != nil {
			return nil, fmt.Errorf("parse journal: %w", err)
		}
	}
	return j, nil
}

// Append persists one event; delta events are dropped.
func (j *Journal) Append(ev *models.Event) error {
	if ev == nil || ev.IsDelta() {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return j.writeLocked()
}

// Events returns the persisted history in order.
func (j *Journal) Events() []*models.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*models.Event(nil), j.events...)
}

// Path returns the journal's file location.
func (j *Journal) Path() string { return j.path }

func (j *Journal) writeLocked() error {
	data, err := json.MarshalIndent(j.events, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("replace journal: %w", err)
	}
	return nil
}
