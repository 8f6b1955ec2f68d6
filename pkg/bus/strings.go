package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/menta2k/bushub/pkg/raster"
)

// StringStore is a string-only key/value store, the shape of browser-style
// local storage
type StringStore interface {
	SetItem(key, value string) error
	GetItem(key string) (string, bool, error)
	RemoveItem(key string) error
	Keys() ([]string, error)
}

// MemoryStringStore keeps items in a map
type MemoryStringStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStringStore creates an empty MemoryStringStore
func NewMemoryStringStore() *MemoryStringStore {
	return &MemoryStringStore{items: make(map[string]string)}
}

func (m *MemoryStringStore) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryStringStore) GetItem(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStringStore) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryStringStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys, nil
}

// FileStringStore persists items as one JSON object on disk. Every write
// rewrites the file through a temporary file and a rename.
type FileStringStore struct {
	mu    sync.Mutex
	path  string
	items map[string]string
}

// OpenFileStringStore loads path, creating it when missing
func OpenFileStringStore(path string) (*FileStringStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f := &FileStringStore{path: path, items: make(map[string]string)}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := f.flush(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &f.items); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return f, nil
}

func (f *FileStringStore) flush() error {
	data, err := json.Marshal(f.items)
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStringStore) SetItem(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.items[key]
	f.items[key] = value
	if err := f.flush(); err != nil {
		if had {
			f.items[key] = prev
		} else {
			delete(f.items, key)
		}
		return err
	}
	return nil
}

func (f *FileStringStore) GetItem(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	return v, ok, nil
}

func (f *FileStringStore) RemoveItem(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[key]; !ok {
		return nil
	}
	delete(f.items, key)
	return f.flush()
}

func (f *FileStringStore) Keys() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	return keys, nil
}

// StringTier adapts a StringStore to the Store interface. JSON documents are
// stored as their text; blobs are stored as data URLs. Keys are namespaced
// with prefix so the tier can share its StringStore.
type StringTier struct {
	store  StringStore
	prefix string
}

// NewStringTier wraps store
func NewStringTier(store StringStore, prefix string) *StringTier {
	return &StringTier{store: store, prefix: prefix}
}

// StringOpener returns an Opener for a StringTier over store
func StringOpener(store StringStore, prefix string) Opener {
	return func(ctx context.Context) (Store, error) {
		if store == nil {
			return nil, fmt.Errorf("no string store configured")
		}
		return NewStringTier(store, prefix), nil
	}
}

// FileOpener returns an Opener for a StringTier over a FileStringStore at path
func FileOpener(path, prefix string) Opener {
	return func(ctx context.Context) (Store, error) {
		fs, err := OpenFileStringStore(path)
		if err != nil {
			return nil, err
		}
		return NewStringTier(fs, prefix), nil
	}
}

func (t *StringTier) Name() string { return "strings" }

func (t *StringTier) Put(ctx context.Context, rec Record) error {
	var value string
	switch rec.Kind {
	case KindBlob:
		value = raster.DataURL(rec.MIME, rec.Data)
	case KindJSON:
		value = string(rec.Data)
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return t.store.SetItem(t.prefix+rec.Key, value)
}

func (t *StringTier) Get(ctx context.Context, key string) (Record, bool, error) {
	value, ok, err := t.store.GetItem(t.prefix + key)
	if err != nil || !ok {
		return Record{}, false, err
	}

	// a JSON document never starts with a bare "data:"
	if strings.HasPrefix(value, "data:") {
		mimeType, data, err := raster.ParseDataURL(value)
		if err != nil {
			return Record{}, false, err
		}
		return Record{Key: key, Kind: KindBlob, MIME: mimeType, Data: data}, true, nil
	}
	return Record{Key: key, Kind: KindJSON, MIME: "application/json", Data: []byte(value)}, true, nil
}

func (t *StringTier) Delete(ctx context.Context, key string) error {
	return t.store.RemoveItem(t.prefix + key)
}

func (t *StringTier) Clear(ctx context.Context) error {
	keys, err := t.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.store.RemoveItem(t.prefix + k); err != nil {
			return err
		}
	}
	return nil
}

func (t *StringTier) Keys(ctx context.Context) ([]string, error) {
	all, err := t.store.Keys()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, t.prefix) {
			keys = append(keys, strings.TrimPrefix(k, t.prefix))
		}
	}
	return keys, nil
}

func (t *StringTier) Close() error { return nil }
