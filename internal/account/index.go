// Package account manages the in-memory pool of upstream accounts and the
// selection policy that picks one per request.
package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaypool/cc-gateway/internal/utils"
	"github.com/relaypool/cc-gateway/pkg/redis"
)

// FileIndex is the account system of record: a single JSON file under a
// configured directory, loaded at startup and rewritten atomically
// (write-to-temp-then-rename) whenever the pool's own bookkeeping fields
// (last used, invalid flag, quota snapshot) change. This is deliberately
// the only storage engine the core owns; everything else (Redis, sqlite)
// is an optional auxiliary mirror, never the account list itself.
type FileIndex struct {
	mu   sync.Mutex
	path string
}

// accountIndexFile is the on-disk shape: a thin envelope around the account
// list so the file can carry a schema version without breaking old readers.
type accountIndexFile struct {
	Version  int              `json:"version"`
	Accounts []*redis.Account `json:"accounts"`
}

// NewFileIndex creates a collaborator rooted at dir/accounts.json.
func NewFileIndex(dir string) *FileIndex {
	return &FileIndex{path: filepath.Join(dir, "accounts.json")}
}

// Load reads the account list from disk. A missing file is not an error: it
// yields an empty pool (the operator populates accounts by writing to the
// index directory or via the admin surface, which calls Save).
func (f *FileIndex) Load() ([]*redis.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*redis.Account{}, nil
		}
		return nil, fmt.Errorf("account index: read %s: %w", f.path, err)
	}

	var envelope accountIndexFile
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("account index: parse %s: %w", f.path, err)
	}
	if envelope.Accounts == nil {
		return []*redis.Account{}, nil
	}
	return envelope.Accounts, nil
}

// Save atomically rewrites the index: marshal, write to a sibling temp file,
// fsync, then rename over the real path. Rename is atomic on the same
// filesystem, so a crash mid-write never leaves a half-written index.
func (f *FileIndex) Save(accounts []*redis.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("account index: mkdir: %w", err)
	}

	envelope := accountIndexFile{Version: 1, Accounts: accounts}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("account index: marshal: %w", err)
	}

	tmp := f.path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("account index: create temp: %w", err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(tmp)
		return fmt.Errorf("account index: write temp: %w", err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tmp)
		return fmt.Errorf("account index: fsync temp: %w", err)
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("account index: close temp: %w", err)
	}

	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("account index: rename: %w", err)
	}

	utils.Debug("[AccountIndex] Saved %d account(s) to %s", len(accounts), f.path)
	return nil
}
