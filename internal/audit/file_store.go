package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is a simple file-backed store for dev/testing. It archives audit
// events as JSON files and keeps a head.hash file for the latest head.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a new FileStore and ensures the archive directory exists.
func NewFileStore(dir string) *FileStore {
	_ = os.MkdirAll(dir, 0o755)
	return &FileStore{dir: dir}
}

func (f *FileStore) Ping(ctx context.Context) error { return nil }

// AppendEvent chains the event onto head.hash and writes the event JSON to
// the archive directory.
func (f *FileStore) AppendEvent(ctx context.Context, ev *Event) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.readHead()
	hash, err := ChainHash(payloadJSON, prev)
	if err != nil {
		return fmt.Errorf("chain hash: %w", err)
	}

	if ev.ID == "" {
		ev.ID = NewUUID()
	}
	ev.PrevHash = prev
	ev.Hash = hash
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}

	b, _ := json.MarshalIndent(ev, "", "  ")
	path := filepath.Join(f.dir, fmt.Sprintf("audit_%s.json", ev.ID))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, "head.hash"), []byte(ev.Hash), 0o644); err != nil {
		return fmt.Errorf("write head.hash: %w", err)
	}
	return nil
}

func (f *FileStore) readHead() string {
	b, err := os.ReadFile(filepath.Join(f.dir, "head.hash"))
	if err != nil {
		return ""
	}
	return string(b)
}

func (f *FileStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	path := filepath.Join(f.dir, fmt.Sprintf("audit_%s.json", id))
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
