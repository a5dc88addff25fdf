package feedsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type credentialFile struct {
	Credentials
	SessionActive bool   `json:"sessionActive"`
	DismissIndex  string `json:"dismissIndex,omitempty"`
}

// FileCredentialStore keeps credentials, the session flag and the dismiss
// index in one JSON file. A missing file means nothing is configured.
type FileCredentialStore struct {
	path   string
	logger Logger

	mu   sync.RWMutex
	data credentialFile
}

func NewFileCredentialStore(path string, logger Logger) (*FileCredentialStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	store := &FileCredentialStore{path: path, logger: logger}
	if err := store.Reload(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileCredentialStore) Path() string {
	return s.path
}

func (s *FileCredentialStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.mu.Lock()
			s.data = credentialFile{}
			s.mu.Unlock()
			return nil
		}
		return err
	}
	var decoded credentialFile
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	s.mu.Lock()
	s.data = decoded
	s.mu.Unlock()
	return nil
}

func (s *FileCredentialStore) Credentials() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Credentials, s.data.Credentials.Configured()
}

func (s *FileCredentialStore) IsActiveSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.SessionActive
}

func (s *FileCredentialStore) DismissIndex() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index := strings.TrimSpace(s.data.DismissIndex)
	return index, index != ""
}

func (s *FileCredentialStore) SetDismissIndex(index string) error {
	return s.update(func(data *credentialFile) {
		data.DismissIndex = strings.TrimSpace(index)
	})
}

func (s *FileCredentialStore) ClearSession() error {
	return s.update(func(data *credentialFile) {
		data.SessionActive = false
	})
}

// SignIn stores credentials and marks the session active.
func (s *FileCredentialStore) SignIn(creds Credentials) error {
	if !creds.Configured() {
		return ErrNotConfigured
	}
	return s.update(func(data *credentialFile) {
		data.Credentials = creds
		data.SessionActive = true
	})
}

func (s *FileCredentialStore) update(fn func(*credentialFile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.data
	fn(&next)
	payload, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	if err := writeFileAtomic(s.path, payload, 0o600); err != nil {
		return err
	}
	s.data = next
	return nil
}

// Watch reloads the store whenever the file changes on disk, for example
// when another tool signs the user out. It returns once the watcher is set
// up; watching stops when ctx is done. onChange may be nil.
func (s *FileCredentialStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logf("reload credentials %s failed: %v", s.path, err)
					continue
				}
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logf("credential watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (s *FileCredentialStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
