package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// cursorDocument is the on-disk (and in-bucket) shape of the cursor.
type cursorDocument struct {
	LastGUID *string `json:"last_guid"`
}

func decodeCursor(data []byte) (string, bool, error) {
	var doc cursorDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", false, fmt.Errorf("decode cursor: %w", err)
	}
	if doc.LastGUID == nil || *doc.LastGUID == "" {
		return "", false, nil
	}

	return *doc.LastGUID, true, nil
}

func encodeCursor(id string) ([]byte, error) {
	return json.Marshal(cursorDocument{LastGUID: &id})
}

// FileStore keeps the cursor in a small JSON file.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Load returns the stored id. A missing, unreadable or corrupt file counts as no cursor.
func (s *FileStore) Load(_ context.Context) (string, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("Cursor file unreadable, starting without cursor")
		}
		return "", false
	}

	id, ok, err := decodeCursor(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Cursor file corrupt, starting without cursor")
		return "", false
	}

	return id, ok
}

// Save replaces the file atomically: the new content is written and synced to a
// temporary file which is then renamed over the old one.
func (s *FileStore) Save(_ context.Context, id string) error {
	data, err := encodeCursor(id)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cursor dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp cursor file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cursor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cursor: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace cursor file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}

	return nil
}
