// Package trace records the raw serial traffic with the controller to CSV
// files with automatic rotation.
package trace

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
)

// Direction of a traced chunk, seen from the host.
type Direction string

const (
	Tx Direction = "tx"
	Rx Direction = "rx"
)

// Config holds recorder configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000

var csvHeader = []string{"timestamp", "dir", "len", "bytes"}

// Recorder writes one row per transmitted or received chunk.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	log     *slog.Logger
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
	seq    int
}

// New creates a Recorder. Files are only created once something is recorded.
func New(cfg Config, log *slog.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/bafang"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		log:     log.With("component", "trace"),
		now:     time.Now,
	}
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record appends a chunk. A nil Recorder records nothing.
func (r *Recorder) Record(dir Direction, data []byte) {
	if r == nil || len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	now := r.now()
	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(now); err != nil {
			r.log.Error("rotate failed", "err", err)
			return
		}
	}

	row := []string{
		now.Format(time.RFC3339Nano),
		string(dir),
		strconv.Itoa(len(data)),
		bafang.Hex(data).String(),
	}
	if err := r.writer.Write(row); err != nil {
		r.log.Error("write failed", "err", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	// The sequence number keeps names unique when rotating within a second.
	r.seq++
	filename := fmt.Sprintf("bafang_%s_%03d.csv", now.Format("2006-01-02_150405"), r.seq)
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Info("opened trace file", "path", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}
