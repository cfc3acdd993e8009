// Package queue persists user actions that could not be confirmed with the
// origin. Actions are spread over ranked storage tiers; the first tier that
// accepts a write holds the action.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNoWritableTier means every tier rejected a write.
	ErrNoWritableTier = errors.New("queue: no writable storage tier")
	// ErrNotFound is returned by a backend that does not hold an id.
	ErrNotFound = errors.New("queue: action not found")
	// ErrTierFull is returned by a backend out of space.
	ErrTierFull = errors.New("queue: storage tier full")
)

// Action is one pending user action, e.g. a booking submission.
type Action struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
}

// Backend is one storage tier.
type Backend interface {
	Name() string
	Put(a Action) error
	Get(id string) (Action, error)
	Delete(id string) error
	List() ([]Action, error)
	Close() error
}
