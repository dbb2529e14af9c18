package sweeper

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

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"platen/internal/storage"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	files, err := storage.New(filepath.Join(t.TempDir(), "pdfs"))
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	return files
}

func writeAgedPDF(t *testing.T, files *storage.Storage, jobID string, age time.Duration) string {
	t.Helper()
	path, err := files.WritePDF(jobID, []byte("%PDF-1.4 test"))
	if err != nil {
		t.Fatalf("WritePDF failed: %v", err)
	}
	when := time.Now().Add(-age)
	if err := os.Chtimes(path, when, when); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}
	return path
}

func TestRunSweepDeletesOnlyAgedPDFs(t *testing.T) {
	files := newTestStorage(t)
	old := writeAgedPDF(t, files, "job-old", 2*time.Hour)
	fresh := writeAgedPDF(t, files, "job-fresh", time.Minute)

	// Non-PDF files are not the sweeper's business.
	stray := filepath.Join(files.Root(), "notes.txt")
	if err := os.WriteFile(stray, []byte("keep"), 0644); err != nil {
		t.Fatalf("writing stray file: %v", err)
	}

	s := New(files, Config{Enabled: true, Interval: time.Hour, FileAge: time.Hour}, nil)
	stats, err := s.RunSweep()
	if err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}

	if stats.Scanned != 2 {
		t.Errorf("Scanned = %d, want 2", stats.Scanned)
	}
	if stats.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", stats.Deleted)
	}
	if want := int64(len("%PDF-1.4 test")); stats.BytesFreed != want {
		t.Errorf("BytesFreed = %d, want %d", stats.BytesFreed, want)
	}
	if len(stats.Errors) != 0 {
		t.Errorf("Errors = %v, want none", stats.Errors)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("aged PDF still present")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh PDF removed: %v", err)
	}
	if _, err := os.Stat(stray); err != nil {
		t.Errorf("stray file removed: %v", err)
	}
}

func TestRunSweepHandlesMissingDirectory(t *testing.T) {
	files := newTestStorage(t)
	if err := os.RemoveAll(files.Root()); err != nil {
		t.Fatalf("removing storage root: %v", err)
	}

	s := New(files, Config{Enabled: true, Interval: time.Hour, FileAge: time.Hour}, nil)
	stats, err := s.RunSweep()
	if err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}
	if stats.Scanned != 0 || stats.Deleted != 0 || len(stats.Errors) != 0 {
		t.Fatalf("stats = %+v, want all zero", stats)
	}
}

func TestStartDisabledStopsCleanly(t *testing.T) {
	s := New(newTestStorage(t), Config{Enabled: false, Interval: time.Hour, FileAge: time.Hour}, nil)
	s.Start()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop hung with the sweeper disabled")
	}
}

func TestBackgroundLoopSweepsImmediately(t *testing.T) {
	files := newTestStorage(t)
	old := writeAgedPDF(t, files, "job-old", 2*time.Hour)

	s := New(files, Config{Enabled: true, Interval: time.Hour, FileAge: time.Hour}, nil)
	s.Start()
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := os.Stat(old); os.IsNotExist(err) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("aged PDF not deleted by the first sweep")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
