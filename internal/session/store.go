package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// snapshot is the on-disk layout: the whole store is rewritten atomically on
// every mutation so a crash mid-write can never leave a half-updated file.
type snapshot struct {
	Sessions map[string]*Session `json:"sessions"`
	Active   map[string]string   `json:"active"`
}

// FileStore persists the session map as a single JSON file via a temp file
// and rename.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the snapshot from disk. A missing file yields an empty store; a
// corrupt file degrades to an empty store with a logged warning rather than
// crashing the process.
func (fs *FileStore) Load() (map[string]*Session, map[string]string) {
	sessions := make(map[string]*Session)
	active := make(map[string]string)

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("session store: read %s failed: %v (starting empty)", fs.path, err)
		}
		return sessions, active
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("session store: %s is corrupt: %v (starting empty)", fs.path, err)
		return sessions, active
	}
	if snap.Sessions != nil {
		sessions = snap.Sessions
	}
	if snap.Active != nil {
		active = snap.Active
	}
	return sessions, active
}

// Save rewrites the whole snapshot atomically.
func (fs *FileStore) Save(sessions map[string]*Session, active map[string]string) error {
	data, err := json.MarshalIndent(snapshot{Sessions: sessions, Active: active}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersist, err)
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrPersist, dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrPersist, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write: %v", ErrPersist, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close: %v", ErrPersist, err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", ErrPersist, err)
	}
	return nil
}
