package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultMinimalBudget bounds the minimal tier's encoded size.
const DefaultMinimalBudget = 16 << 10

// MinimalBackend keeps actions in one small JSON file, rewritten atomically.
// It is the last resort when both databases are unusable.
type MinimalBackend struct {
	path   string
	budget int

	mu sync.Mutex
}

// OpenMinimal prepares a minimal tier at path. budget <= 0 uses
// DefaultMinimalBudget.
func OpenMinimal(path string, budget int) (*MinimalBackend, error) {
	if budget <= 0 {
		budget = DefaultMinimalBudget
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	return &MinimalBackend{path: path, budget: budget}, nil
}

func (b *MinimalBackend) Name() string { return "minimal" }

func (b *MinimalBackend) load() (map[string]Action, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Action{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]Action{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path, err)
	}
	return m, nil
}

func (b *MinimalBackend) store(m map[string]Action) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if len(raw) > b.budget {
		return fmt.Errorf("%w: %d bytes over budget %d", ErrTierFull, len(raw), b.budget)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *MinimalBackend) Put(a Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.load()
	if err != nil {
		return err
	}
	m[a.ID] = a
	return b.store(m)
}

func (b *MinimalBackend) Get(id string) (Action, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.load()
	if err != nil {
		return Action{}, err
	}
	a, ok := m[id]
	if !ok {
		return Action{}, ErrNotFound
	}
	return a, nil
}

func (b *MinimalBackend) Delete(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.load()
	if err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return nil
	}
	delete(m, id)
	return b.store(m)
}

func (b *MinimalBackend) List() ([]Action, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, err := b.load()
	if err != nil {
		return nil, err
	}
	out := make([]Action, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	return out, nil
}

func (b *MinimalBackend) Close() error { return nil }
