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

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Storage manages the rendered-output directory. Files are named
// {job_id}.pdf and written atomically so a download can never observe a
// partially rendered file.
type Storage struct {
	root string
	mu   sync.Mutex
}

// New creates a storage backend rooted at the given path.
// The root directory is created if it doesn't exist.
func New(root string) (*Storage, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root cannot be empty")
	}

	s := &Storage{
		root: root,
	}

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.root, "tmp"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create tmp directory: %w", err)
	}

	return s, nil
}

// Root returns the storage root directory.
func (s *Storage) Root() string {
	return s.root
}

// PDFPath returns the filesystem path for a job's rendered output.
func (s *Storage) PDFPath(jobID string) string {
	return filepath.Join(s.root, jobID+".pdf")
}

// PDFExists checks whether a rendered output exists for the job.
func (s *Storage) PDFExists(jobID string) (bool, error) {
	_, err := os.Stat(s.PDFPath(jobID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check pdf existence: %w", err)
}

// WritePDF writes a rendered output with atomic rename, replacing any
// previous attempt's file. Returns the final path.
func (s *Storage) WritePDF(jobID string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpDir := filepath.Join(s.root, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create tmp directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(tmpDir, "render-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Cleanup temp file on error
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return "", fmt.Errorf("failed to write pdf data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync pdf data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	tmpFile = nil // Prevent deferred cleanup

	finalPath := s.PDFPath(jobID)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}

	return finalPath, nil
}
