// Package cache is the versioned, size-capped content cache: a RAM LRU over
// a leveldb disk tier, namespaced by cache version.
package cache

import (
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lifeline/internal/content"
	"lifeline/internal/netstate"
)

// ErrTooLarge is returned by Put when an entry does not fit its class cap.
var ErrTooLarge = errors.New("cache: entry exceeds size cap")

// DefaultCaps are per-class payload caps on an unconstrained device.
var DefaultCaps = map[content.Class]int64{
	content.Document: 2 << 20,
	content.Image:    1 << 20,
	content.Script:   1 << 20,
	content.Style:    512 << 10,
	content.Font:     512 << 10,
	content.JSON:     512 << 10,
	content.API:      256 << 10,
	content.Media:    8 << 20,
	content.Other:    1 << 20,
}

// ConstrainedFactor scales caps under save-data, a poor link or low memory.
const ConstrainedFactor = 0.5

// Config configures a Store.
type Config struct {
	Dir     string
	Version string

	RAMMax  int64
	DiskMax int64

	// Caps override DefaultCaps per class.
	Caps map[content.Class]int64

	// ConstrainedMemory marks the device constrained when MemAvailable drops
	// below it. Zero disables the check.
	ConstrainedMemory int64
}

// StateSource exposes the current connection state.
type StateSource interface {
	Snapshot() netstate.State
}

// Stats summarizes cache usage.
type Stats struct {
	Version   string `json:"version"`
	Keys      int    `json:"keys"`
	RAMBytes  int64  `json:"ramBytes"`
	DiskBytes int64  `json:"diskBytes"`
}

// Store is the content cache.
type Store struct {
	cfg   Config
	state StateSource

	mu      sync.RWMutex
	version string

	ram  *ramCache
	disk *diskCache

	constrained atomic.Bool

	logger    *slog.Logger
	rejectLog *rateLimitedLogger
	now       func() time.Time
}

// Open opens (or creates) the store under cfg.Dir. Entries of other versions
// stay on disk until InvalidateOldVersions runs.
func Open(cfg Config, state StateSource, logger *slog.Logger) (*Store, error) {
	if cfg.Version == "" {
		return nil, fmt.Errorf("cache: version is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	disk, err := newDiskCache(filepath.Join(cfg.Dir, "cache"), cfg.Version, cfg.DiskMax)
	if err != nil {
		return nil, fmt.Errorf("cache: open disk tier: %w", err)
	}
	s := &Store{
		cfg:       cfg,
		state:     state,
		version:   cfg.Version,
		ram:       newRAMCache(cfg.RAMMax, newRateLimitedLogger(logger, time.Minute)),
		disk:      disk,
		logger:    logger,
		rejectLog: newRateLimitedLogger(logger, time.Minute),
		now:       time.Now,
	}
	s.RefreshDevice()
	return s, nil
}

// Close flushes pending writes and closes the disk tier.
func (s *Store) Close() error {
	return s.disk.close()
}

// Version returns the active cache version.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// RefreshDevice re-evaluates whether the device is memory constrained.
func (s *Store) RefreshDevice() {
	if s.cfg.ConstrainedMemory <= 0 {
		s.constrained.Store(false)
		return
	}
	avail, ok := availableMemoryBytes()
	s.constrained.Store(ok && avail < uint64(s.cfg.ConstrainedMemory))
}

// Constrained reports whether caps are currently scaled down.
func (s *Store) Constrained() bool {
	if s.constrained.Load() {
		return true
	}
	if s.state == nil {
		return false
	}
	st := s.state.Snapshot()
	return st.SaveData || st.Tier <= netstate.TierPoor
}

// Cap returns the effective payload cap of a class.
func (s *Store) Cap(c content.Class) int64 {
	base, ok := s.cfg.Caps[c]
	if !ok {
		base = DefaultCaps[c]
	}
	if s.Constrained() {
		return int64(float64(base) * ConstrainedFactor)
	}
	return base
}

// Put stores ent under key, overwriting any previous entry. Entries whose
// payload is not strictly below the class cap are rejected with ErrTooLarge.
func (s *Store) Put(key string, ent Entry) error {
	ent.Key = key
	ent.Size = int64(len(ent.Body))
	if limit := s.Cap(ent.Class); ent.Size >= limit {
		s.rejectLog.Warn("entry over cap, not cached", "key", key, "class", ent.Class.String(),
			"size", ent.Size, "cap", limit)
		return fmt.Errorf("%w: %s is %d bytes, cap %d", ErrTooLarge, key, ent.Size, limit)
	}
	if ent.CachedAt.IsZero() {
		ent.CachedAt = s.now()
	}
	ent.Hash32 = crc32.ChecksumIEEE(ent.Body)
	ent.Version = s.Version()
	ent.Header = cloneHeader(ent.Header)

	s.ram.Put(key, ent)
	s.disk.PutAsync(key, ent)
	return nil
}

// Get returns the entry for key. ok is false on a miss.
func (s *Store) Get(key string) (Entry, bool) {
	version := s.Version()
	if ent, ok := s.ram.Get(key); ok {
		if ent.Version == version {
			return ent, true
		}
		s.ram.Delete(key)
	}
	ent, ok := s.disk.Get(key)
	if !ok || ent.Version != version {
		return Entry{}, false
	}
	s.ram.Put(key, ent)
	return ent, true
}

// Peek is Get without promotion or access tracking.
func (s *Store) Peek(key string) (Entry, bool) {
	version := s.Version()
	if ent, ok := s.ram.Peek(key); ok && ent.Version == version {
		return ent, true
	}
	ent, ok := s.disk.Peek(key)
	if !ok || ent.Version != version {
		return Entry{}, false
	}
	return ent, true
}

// Delete removes key from both tiers.
func (s *Store) Delete(key string) {
	s.ram.Delete(key)
	s.disk.Delete(key)
}

// InvalidateOldVersions deletes every entry written under a version other
// than current and makes current the active version. It returns the number
// of disk entries removed.
//
// The switch happens on the disk writer, in order with queued writes: a Put
// either lands before it and is purged from both tiers, or lands after it
// under the new version and is kept in both.
func (s *Store) InvalidateOldVersions(current string) (int, error) {
	if current == "" {
		return 0, fmt.Errorf("cache: empty version")
	}
	prev := s.Version()
	n, err := s.disk.invalidate(current, func() {
		s.mu.Lock()
		s.version = current
		s.mu.Unlock()
	})
	active := s.Version()
	s.ram.DeleteIf(func(e Entry) bool { return e.Version != active })
	if err != nil {
		return n, fmt.Errorf("cache: invalidate: %w", err)
	}
	if n > 0 || prev != current {
		s.logger.Info("old cache versions removed", "current", current, "previous", prev, "entries", n)
	}
	return n, nil
}

// Clear drops every entry of the active version.
func (s *Store) Clear() error {
	s.ram.DeleteIf(func(Entry) bool { return true })
	if err := s.disk.clear(); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

// Flush waits for queued disk writes.
func (s *Store) Flush() { s.disk.flush() }

// Keys lists cached keys of one class, sorted.
func (s *Store) Keys(c content.Class) []string {
	version := s.Version()
	set := map[string]struct{}{}
	for _, k := range s.ram.Keys() {
		if ent, ok := s.ram.Peek(k); ok && ent.Class == c && ent.Version == version {
			set[k] = struct{}{}
		}
	}
	for _, k := range s.disk.KeysOf(func(cl content.Class) bool { return cl == c }) {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stats returns a usage summary.
func (s *Store) Stats() Stats {
	// Union count without building a combined map.
	ramKeys := s.ram.Keys()
	intersect := 0
	for _, k := range ramKeys {
		if s.disk.HasKey(k) {
			intersect++
		}
	}
	return Stats{
		Version:   s.Version(),
		Keys:      len(ramKeys) + s.disk.KeyCount() - intersect,
		RAMBytes:  s.ram.TotalSize(),
		DiskBytes: s.disk.TotalSize(),
	}
}

func cloneHeader(h map[string][]string) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
