package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue spreads pending actions over ranked backends.
type Queue struct {
	tiers  []Backend
	logger *slog.Logger
	now    func() time.Time

	// mu serializes writers so a read-modify-write never races a removal.
	mu sync.Mutex
}

// New builds a queue over tiers, highest rank first.
func New(logger *slog.Logger, tiers ...Backend) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		tiers:  tiers,
		logger: logger.With("component", "queue"),
		now:    time.Now,
	}
}

// Open opens the standard tiers under dir: sqlite, leveldb and the minimal
// JSON file. A tier that fails to open is skipped; the queue still works as
// long as one tier remains.
func Open(dir string, minimalBudget int, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var tiers []Backend
	if b, err := OpenSQLite(filepath.Join(dir, "pending.db")); err != nil {
		logger.Warn("pending tier unavailable", "tier", "sqlite", "error", err)
	} else {
		tiers = append(tiers, b)
	}
	if b, err := OpenLevel(filepath.Join(dir, "pending")); err != nil {
		logger.Warn("pending tier unavailable", "tier", "leveldb", "error", err)
	} else {
		tiers = append(tiers, b)
	}
	if b, err := OpenMinimal(filepath.Join(dir, "pending.json"), minimalBudget); err != nil {
		logger.Warn("pending tier unavailable", "tier", "minimal", "error", err)
	} else {
		tiers = append(tiers, b)
	}
	if len(tiers) == 0 {
		return nil, ErrNoWritableTier
	}
	return New(logger, tiers...), nil
}

// Tiers returns the backend names in rank order.
func (q *Queue) Tiers() []string {
	out := make([]string, len(q.tiers))
	for i, t := range q.tiers {
		out[i] = t.Name()
	}
	return out
}

// Enqueue persists a in the first tier that accepts it. Missing id and
// timestamp are filled in. The stored action is returned.
func (q *Queue) Enqueue(a Action) (Action, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = q.now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for i, t := range q.tiers {
		if err := t.Put(a); err != nil {
			q.logger.Warn("pending tier write failed", "tier", t.Name(), "id", a.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		// Keep ids unique across tiers.
		for _, lower := range q.tiers[i+1:] {
			_ = lower.Delete(a.ID)
		}
		q.logger.Debug("action queued", "tier", t.Name(), "id", a.ID, "type", a.Type)
		return a, nil
	}
	if len(errs) == 0 {
		return Action{}, ErrNoWritableTier
	}
	return Action{}, fmt.Errorf("%w: %w", ErrNoWritableTier, errors.Join(errs...))
}

// ListAll returns every pending action, oldest first. When the same id is
// found in several tiers the highest ranked copy wins. Unreadable tiers are
// skipped.
func (q *Queue) ListAll() []Action {
	seen := map[string]struct{}{}
	var out []Action
	for _, t := range q.tiers {
		items, err := t.List()
		if err != nil {
			q.logger.Warn("pending tier unreadable", "tier", t.Name(), "error", err)
			continue
		}
		for _, a := range items {
			if _, ok := seen[a.ID]; ok {
				continue
			}
			seen[a.ID] = struct{}{}
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of distinct pending actions.
func (q *Queue) Count() int { return len(q.ListAll()) }

// Remove deletes id from every tier. Removing an unknown id is not an error.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(id)
}

func (q *Queue) remove(id string) {
	for _, t := range q.tiers {
		if err := t.Delete(id); err != nil {
			q.logger.Warn("pending tier delete failed", "tier", t.Name(), "id", id, "error", err)
		}
	}
}

// Clear removes every pending action and returns how many there were.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.ListAll()
	for _, a := range items {
		q.remove(a.ID)
	}
	return len(items)
}

// MarkAttempt increments the attempt counter of id in the tier holding it
// and records cause as its last error.
func (q *Queue) MarkAttempt(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tiers {
		a, err := t.Get(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			q.logger.Warn("pending tier read failed", "tier", t.Name(), "id", id, "error", err)
			continue
		}
		a.Attempts++
		a.LastError = ""
		if cause != nil {
			a.LastError = cause.Error()
		}
		return t.Put(a)
	}
	return ErrNotFound
}

// Close closes every tier.
func (q *Queue) Close() error {
	var errs []error
	for _, t := range q.tiers {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}
