// Package files manages per-session working directories.
package files

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager creates and cleans up session working directories
type Manager struct {
	basePath string
	archive  bool
	log      logrus.FieldLogger

	mu   sync.Mutex
	dirs map[string]string // sessionID -> directory
}

// NewManager creates a new files manager rooted at basePath
func NewManager(basePath string, archive bool, log logrus.FieldLogger) (*Manager, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &Manager{
		basePath: basePath,
		archive:  archive,
		log:      log,
		dirs:     make(map[string]string),
	}, nil
}

// Prepare creates the isolated working directory of a session
func (m *Manager) Prepare(sessionID string) (string, error) {
	if sessionID == "" || sessionID != filepath.Base(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}

	dir := filepath.Join(m.basePath, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}

	m.mu.Lock()
	m.dirs[sessionID] = dir
	m.mu.Unlock()
	return dir, nil
}

// Dir returns the working directory of a prepared session
func (m *Manager) Dir(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir, ok := m.dirs[sessionID]
	return dir, ok
}

// Cleanup removes the working directory of a session, archiving it first
// when archiving is enabled. Unknown sessions are ignored.
func (m *Manager) Cleanup(sessionID string) error {
	m.mu.Lock()
	dir, ok := m.dirs[sessionID]
	delete(m.dirs, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if m.archive {
		archivePath := m.ArchivePath(sessionID)
		if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
			return fmt.Errorf("failed to create archive directory: %w", err)
		}
		if err := compressDirectory(dir, archivePath); err != nil {
			return fmt.Errorf("failed to archive session files: %w", err)
		}
		m.log.WithField("session_id", sessionID).Debugf("Archived session files to %s", archivePath)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	return nil
}

// ArchivePath is where Cleanup stores the archive of a session
func (m *Manager) ArchivePath(sessionID string) string {
	return filepath.Join(m.basePath, "archives", sessionID+".tar.gz")
}

// compressDirectory creates a tar.gz archive of a directory
func compressDirectory(source, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tarWriter, f)
		return err
	})
}
