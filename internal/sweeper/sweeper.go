// Platen is a webpage-to-PDF rendering service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package sweeper periodically removes rendered PDFs that have aged
// past the retention threshold. Job rows are kept; only the files go.
package sweeper

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"platen/internal/metrics"
	"platen/internal/storage"
)

// Config holds sweeper configuration.
type Config struct {
	// Enabled determines if the sweeper is active
	Enabled bool

	// Interval is how often a sweep runs
	Interval time.Duration

	// FileAge is how long PDFs are kept after their last modification
	FileAge time.Duration
}

// Sweeper deletes aged PDF files on a fixed interval.
type Sweeper struct {
	files  *storage.Storage
	config Config
	logger *log.Logger
	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

// Stats tracks the outcome of one sweep.
type Stats struct {
	StartTime  time.Time
	Duration   time.Duration
	Scanned    int
	Deleted    int
	BytesFreed int64
	Errors     []string
}

// New creates a sweeper over the given PDF storage.
func New(files *storage.Storage, config Config, logger *log.Logger) *Sweeper {
	return &Sweeper{
		files:  files,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[sweeper] "+format, args...)
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start() {
	if !s.config.Enabled {
		close(s.doneCh)
		return
	}

	s.logf("Starting cleanup scheduler (interval: %s, age threshold: %s)", s.config.Interval, s.config.FileAge)
	go s.run()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// run sweeps immediately, then on every interval tick.
func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		stats, err := s.RunSweep()
		if err != nil {
			s.logf("Error in cleanup scheduler: %v", err)
		} else if stats.Deleted > 0 || len(stats.Errors) > 0 {
			s.logf("Cleanup completed: deleted %d files (%d bytes), %d errors", stats.Deleted, stats.BytesFreed, len(stats.Errors))
		}

		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// RunSweep performs a single sweep cycle. It can be called manually or
// by the background loop.
func (s *Sweeper) RunSweep() (*Stats, error) {
	stats := &Stats{StartTime: s.now(), Errors: []string{}}

	matches, err := filepath.Glob(filepath.Join(s.files.Root(), "*.pdf"))
	if err != nil {
		return stats, fmt.Errorf("glob pdf files: %w", err)
	}

	cutoff := stats.StartTime.Add(-s.config.FileAge)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				// Removed between glob and stat.
				continue
			}
			stats.Errors = append(stats.Errors, fmt.Sprintf("stat %s: %v", filepath.Base(path), err))
			continue
		}
		stats.Scanned++
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logf("Error deleting %s: %v", filepath.Base(path), err)
			stats.Errors = append(stats.Errors, fmt.Sprintf("delete %s: %v", filepath.Base(path), err))
			continue
		}
		stats.Deleted++
		stats.BytesFreed += info.Size()
	}

	stats.Duration = s.now().Sub(stats.StartTime)
	metrics.RecordSweep(stats.Deleted, len(stats.Errors))
	return stats, nil
}
