package engine

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// SnapshotFile is the file name the JSON backend keeps inside its directory.
const SnapshotFile = "shelf.json"

// Persistence handles the disk I/O for a MemStore: the whole key space is
// written as one JSON snapshot.
type Persistence struct {
	Path string
	mu   sync.Mutex // Protects concurrent writes to the filesystem
}

// snapshot is the on-disk form. Keys are hex so binary keys survive JSON;
// values are []byte and therefore base64.
type snapshot struct {
	Version int               `json:"version"`
	Entries map[string][]byte `json:"entries"`
}

// NewPersistence initializes a persistence handler writing to dir/shelf.json.
func NewPersistence(dir string) (*Persistence, error) {
	// Ensure the data directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Persistence{Path: filepath.Join(dir, SnapshotFile)}, nil
}

// Save writes entries to the snapshot file atomically.
func (p *Persistence) Save(entries map[string][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := snapshot{Version: 1, Entries: make(map[string][]byte, len(entries))}
	for k, v := range entries {
		snap.Entries[hex.EncodeToString([]byte(k))] = v
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	// Write to a temporary file first, then rename over the snapshot so a
	// crash leaves either the old file or the new one.
	tempPath := p.Path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tempPath, p.Path)
}

// LoadAll returns every entry in the snapshot. A missing file is an empty
// store.
func (p *Persistence) LoadAll() (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	content, err := os.ReadFile(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", p.Path, err)
	}
	out := make(map[string][]byte, len(snap.Entries))
	for hk, v := range snap.Entries {
		k, err := hex.DecodeString(hk)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot %s: key %q: %w", p.Path, hk, err)
		}
		if v == nil {
			v = []byte{}
		}
		out[string(k)] = v
	}
	return out, nil
}
