package walobserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// State is the persisted observer watermark: {last_lsn, last_op_id,
// last_processed_at} (spec §3, §4.2). Crash-safe via write-then-rename.
type State struct {
	LastLSN          uint64    `json:"last_lsn"`
	LastOpID         uint64    `json:"last_op_id"`
	LastProcessedAt  time.Time `json:"last_processed_at"`
}

// FileStatePersister persists State to a single file via write-then-rename
// for crash safety. A single small checkpoint record doesn't warrant a KV
// engine.
type FileStatePersister struct {
	path string
	log  *slog.Logger
}

func NewFileStatePersister(path string, log *slog.Logger) *FileStatePersister {
	if log == nil {
		log = slog.Default()
	}
	return &FileStatePersister{path: path, log: log}
}

// Load reads the persisted state. A missing or corrupt file is treated as
// empty (start from WAL position 0); corruption is logged, never fatal.
func (p *FileStatePersister) Load() State {
	b, err := os.ReadFile(p.path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn("walobserver: state file unreadable, starting fresh", slog.Any("error", err))
		}
		return State{}
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		p.log.Warn("walobserver: state file corrupted, starting fresh", slog.Any("error", err))
		return State{}
	}
	return s
}

// Save writes state atomically: serialize to a temp file in the same
// directory, fsync, then rename over the target path.
func (p *FileStatePersister) Save(s State) error {
	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".observer-state-*.tmp")
	if err != nil {
		return fmt.Errorf("walobserver: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(s); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("walobserver: encode state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("walobserver: sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("walobserver: close state: %w", err)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		return fmt.Errorf("walobserver: rename state: %w", err)
	}
	return nil
}
