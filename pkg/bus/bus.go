// Package bus is the artifact bus: a session-owned key/value store that carries
// images and JSON documents between the stages of the digitization workflow.
//
// A Bus has two tiers. The primary tier is a structured store (SQLite) that
// holds blobs natively. When it cannot be opened the bus falls back, silently
// for the caller, to a string-only store where JSON is kept as text and blobs
// are re-encoded as data URLs. The tier is chosen once, on first use, and never
// changes for the lifetime of the Bus. If neither tier opens, reads return
// nothing and writes are dropped with a warning in the log.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/menta2k/bushub/pkg/types"
)

// Kind tells blobs and JSON documents apart
type Kind string

// Record kinds
const (
	KindBlob Kind = "blob"
	KindJSON Kind = "json"
)

// Record is one stored value
type Record struct {
	Key       string
	Kind      Kind
	MIME      string
	Data      []byte
	UpdatedAt time.Time
}

// Store is a bus tier. Put must replace the value of a key atomically.
type Store interface {
	Name() string
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, key string) (Record, bool, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Opener opens a tier
type Opener func(ctx context.Context) (Store, error)

// Options configures a Bus
type Options struct {
	Primary  Opener
	Fallback Opener
	Logger   *slog.Logger
	Now      func() time.Time
}

// Bus is the two-tier artifact store. Writes are single-writer, last put wins.
type Bus struct {
	opts   Options
	logger *slog.Logger

	once  sync.Once
	mu    sync.Mutex
	store Store
	tier  string

	warnOnce sync.Once
}

// New creates a Bus. No tier is opened until the first operation.
func New(opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{opts: opts, logger: logger.With("component", "bus")}
}

// NewMemory creates a Bus backed by an in-memory SQLite database, with an
// in-memory string store as fallback
func NewMemory(logger *slog.Logger) *Bus {
	return New(Options{
		Primary:  SQLiteOpener(":memory:"),
		Fallback: StringOpener(NewMemoryStringStore(), ""),
		Logger:   logger,
	})
}

func (b *Bus) resolve(ctx context.Context) {
	b.once.Do(func() {
		if b.opts.Primary != nil {
			s, err := b.opts.Primary(ctx)
			if err == nil {
				b.store, b.tier = s, "primary"
				b.logger.Debug("artifact bus ready", "tier", b.tier, "store", s.Name())
				return
			}
			b.logger.Warn("primary tier unavailable, using fallback", "error", err)
		}
		if b.opts.Fallback != nil {
			s, err := b.opts.Fallback(ctx)
			if err == nil {
				b.store, b.tier = s, "fallback"
				b.logger.Debug("artifact bus ready", "tier", b.tier, "store", s.Name())
				return
			}
			b.logger.Warn("fallback tier unavailable", "error", err)
		}
		b.tier = "none"
	})
}

// acquire opens the tiers on first use and locks the bus. It returns nil when
// no tier is available; the caller must unlock either way.
func (b *Bus) acquire(ctx context.Context) Store {
	b.resolve(ctx)
	b.mu.Lock()
	return b.store
}

// Tier reports which tier serves this session: primary, fallback or none.
// It opens the tiers if that has not happened yet.
func (b *Bus) Tier(ctx context.Context) string {
	b.resolve(ctx)
	return b.tier
}

// Degraded is true when the primary tier is not in use
func (b *Bus) Degraded(ctx context.Context) bool {
	return b.Tier(ctx) != "primary"
}

func (b *Bus) dropped(op, key string) {
	b.warnOnce.Do(func() {
		b.logger.Warn("no storage tier available, bus operations are dropped")
	})
	b.logger.Debug("bus operation dropped", "op", op, "key", key)
}

func (b *Bus) put(ctx context.Context, rec Record) error {
	s := b.acquire(ctx)
	defer b.mu.Unlock()
	if s == nil {
		b.dropped("put", rec.Key)
		return nil
	}
	rec.UpdatedAt = b.opts.Now().UTC()
	if err := s.Put(ctx, rec); err != nil {
		return fmt.Errorf("%w: put %q: %v", types.ErrStorage, rec.Key, err)
	}
	return nil
}

// PutJSON stores v marshalled as JSON under key
func (b *Bus) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return b.put(ctx, Record{Key: key, Kind: KindJSON, MIME: "application/json", Data: data})
}

// PutBlob stores binary data under key
func (b *Bus) PutBlob(ctx context.Context, key, mimeType string, data []byte) error {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return b.put(ctx, Record{Key: key, Kind: KindBlob, MIME: mimeType, Data: data})
}

// Get returns the record stored under key, or nil when there is none
func (b *Bus) Get(ctx context.Context, key string) (*Record, error) {
	s := b.acquire(ctx)
	defer b.mu.Unlock()
	if s == nil {
		b.dropped("get", key)
		return nil, nil
	}
	rec, ok, err := s.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: get %q: %v", types.ErrStorage, key, err)
	}
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// GetJSON decodes the JSON value under key into dst. It reports false when the key is absent.
func (b *Bus) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	rec, err := b.Get(ctx, key)
	if err != nil || rec == nil {
		return false, err
	}
	if rec.Kind != KindJSON {
		return false, fmt.Errorf("%w: key %q holds a %s", types.ErrStorage, key, rec.Kind)
	}
	if err := json.Unmarshal(rec.Data, dst); err != nil {
		return false, fmt.Errorf("%w: decode %q: %v", types.ErrStorage, key, err)
	}
	return true, nil
}

// GetBlob returns the blob under key with its MIME type
func (b *Bus) GetBlob(ctx context.Context, key string) ([]byte, string, bool, error) {
	rec, err := b.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, "", false, err
	}
	if rec.Kind != KindBlob {
		return nil, "", false, fmt.Errorf("%w: key %q holds %s", types.ErrStorage, key, rec.Kind)
	}
	return rec.Data, rec.MIME, true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Bus) Delete(ctx context.Context, key string) error {
	s := b.acquire(ctx)
	defer b.mu.Unlock()
	if s == nil {
		b.dropped("delete", key)
		return nil
	}
	if err := s.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %q: %v", types.ErrStorage, key, err)
	}
	return nil
}

// Clear removes every key
func (b *Bus) Clear(ctx context.Context) error {
	s := b.acquire(ctx)
	defer b.mu.Unlock()
	if s == nil {
		b.dropped("clear", "")
		return nil
	}
	if err := s.Clear(ctx); err != nil {
		return fmt.Errorf("%w: clear: %v", types.ErrStorage, err)
	}
	return nil
}

// ListKeys returns all keys in lexical order
func (b *Bus) ListKeys(ctx context.Context) ([]string, error) {
	s := b.acquire(ctx)
	defer b.mu.Unlock()
	if s == nil {
		b.dropped("list", "")
		return nil, nil
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", types.ErrStorage, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the active tier. The Bus must not be used afterwards.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// a bus that was never used never opens a tier
	b.once.Do(func() { b.tier = "closed" })
	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", types.ErrStorage, err)
	}
	return nil
}
