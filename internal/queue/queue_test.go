package queue

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// brokenBackend wraps a backend and fails the selected operations.
type brokenBackend struct {
	Backend
	failPut  bool
	failList bool
}

func (b *brokenBackend) Put(a Action) error {
	if b.failPut {
		return errors.New("quota exceeded")
	}
	return b.Backend.Put(a)
}

func (b *brokenBackend) List() ([]Action, error) {
	if b.failList {
		return nil, errors.New("corrupt store")
	}
	return b.Backend.List()
}

// slowGetBackend calls afterGet between reading an action and returning it.
type slowGetBackend struct {
	Backend
	afterGet func(id string)
}

func (b *slowGetBackend) Get(id string) (Action, error) {
	a, err := b.Backend.Get(id)
	if b.afterGet != nil {
		b.afterGet(id)
	}
	return a, err
}

func openTiers(t *testing.T) (*SQLiteBackend, *LevelBackend, *MinimalBackend) {
	t.Helper()
	dir := t.TempDir()
	sq, err := OpenSQLite(filepath.Join(dir, "pending.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	lv, err := OpenLevel(filepath.Join(dir, "pending"))
	if err != nil {
		t.Fatalf("OpenLevel: %v", err)
	}
	mn, err := OpenMinimal(filepath.Join(dir, "pending.json"), 0)
	if err != nil {
		t.Fatalf("OpenMinimal: %v", err)
	}
	t.Cleanup(func() {
		sq.Close()
		lv.Close()
	})
	return sq, lv, mn
}

func booking(id string, ts time.Time) Action {
	return Action{
		ID:        id,
		Type:      "booking",
		Payload:   json.RawMessage(`{"excursion":"mount-cameroon","guests":2}`),
		Timestamp: ts,
	}
}

func TestQueue_EnqueueFillsIDAndTimestamp(t *testing.T) {
	sq, lv, mn := openTiers(t)
	q := New(nil, sq, lv, mn)

	a, err := q.Enqueue(Action{Type: "booking", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if a.ID == "" || a.Timestamp.IsZero() {
		t.Fatalf("id/timestamp not filled: %+v", a)
	}
	if _, err := sq.Get(a.ID); err != nil {
		t.Fatalf("expected action in first tier: %v", err)
	}
}

func TestQueue_FallsThroughTiers(t *testing.T) {
	sq, lv, mn := openTiers(t)
	q := New(nil, &brokenBackend{Backend: sq, failPut: true}, lv, mn)

	if _, err := q.Enqueue(booking("b1", time.Unix(100, 0))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := lv.Get("b1"); err != nil {
		t.Fatalf("expected action in second tier: %v", err)
	}
	if _, err := mn.Get("b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("action must not be duplicated into the minimal tier, got %v", err)
	}
}

func TestQueue_AllTiersFail(t *testing.T) {
	sq, lv, mn := openTiers(t)
	q := New(nil,
		&brokenBackend{Backend: sq, failPut: true},
		&brokenBackend{Backend: lv, failPut: true},
		&brokenBackend{Backend: mn, failPut: true},
	)
	_, err := q.Enqueue(booking("b1", time.Unix(100, 0)))
	if !errors.Is(err, ErrNoWritableTier) {
		t.Fatalf("expected ErrNoWritableTier, got %v", err)
	}
}

func TestQueue_ListAllUnionOrderedAndDeduplicated(t *testing.T) {
	sq, lv, mn := openTiers(t)
	// Seed tiers directly to simulate actions written during earlier outages.
	if err := mn.Put(booking("c", time.Unix(300, 0))); err != nil {
		t.Fatal(err)
	}
	if err := lv.Put(booking("a", time.Unix(100, 0))); err != nil {
		t.Fatal(err)
	}
	dup := booking("b", time.Unix(200, 0))
	if err := sq.Put(dup); err != nil {
		t.Fatal(err)
	}
	stale := dup
	stale.Attempts = 9
	if err := mn.Put(stale); err != nil {
		t.Fatal(err)
	}

	q := New(nil, sq, lv, mn)
	got := q.ListAll()
	if len(got) != 3 {
		t.Fatalf("expected 3 distinct actions, got %d: %+v", len(got), got)
	}
	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Fatalf("expected ascending timestamps, got %v", ids)
	}
	if got[1].Attempts != 0 {
		t.Fatalf("higher ranked tier must win on duplicate id, got attempts=%d", got[1].Attempts)
	}
}

func TestQueue_ListAllSkipsUnreadableTier(t *testing.T) {
	sq, lv, mn := openTiers(t)
	if err := lv.Put(booking("x", time.Unix(1, 0))); err != nil {
		t.Fatal(err)
	}
	q := New(nil, &brokenBackend{Backend: sq, failList: true}, lv, mn)
	got := q.ListAll()
	if len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("unexpected list %+v", got)
	}
}

func TestQueue_RemoveIsIdempotent(t *testing.T) {
	sq, lv, mn := openTiers(t)
	q := New(nil, sq, lv, mn)
	if _, err := q.Enqueue(booking("r1", time.Unix(1, 0))); err != nil {
		t.Fatal(err)
	}
	q.Remove("r1")
	q.Remove("r1")
	q.Remove("never-existed")
	if n := q.Count(); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestQueue_MarkAttempt(t *testing.T) {
	sq, lv, mn := openTiers(t)
	q := New(nil, &brokenBackend{Backend: sq, failPut: true}, lv, mn)
	if _, err := q.Enqueue(booking("m1", time.Unix(1, 0))); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkAttempt("m1", errors.New("http 500")); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}
	a, err := lv.Get("m1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Attempts != 1 || a.LastError != "http 500" {
		t.Fatalf("unexpected action %+v", a)
	}
	if err := q.MarkAttempt("missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueue_Clear(t *testing.T) {
	sq, lv, mn := openTiers(t)
	q := New(nil, sq, lv, mn)
	for _, id := range []string{"a", "b"} {
		if _, err := q.Enqueue(booking(id, time.Unix(1, 0))); err != nil {
			t.Fatal(err)
		}
	}
	if n := q.Clear(); n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if n := q.Count(); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestMinimalBackend_Budget(t *testing.T) {
	mn, err := OpenMinimal(filepath.Join(t.TempDir(), "pending.json"), 256)
	if err != nil {
		t.Fatal(err)
	}
	a := booking("small", time.Unix(1, 0))
	if err := mn.Put(a); err != nil {
		t.Fatalf("Put: %v", err)
	}
	big := booking("big", time.Unix(2, 0))
	big.Payload = json.RawMessage(`"` + strings.Repeat("x", 300) + `"`)
	if err := mn.Put(big); !errors.Is(err, ErrTierFull) {
		t.Fatalf("expected ErrTierFull, got %v", err)
	}
	items, err := mn.List()
	if err != nil || len(items) != 1 {
		t.Fatalf("budget overflow must leave the file intact, got %v %v", items, err)
	}
}

func TestQueue_OpenStandardTiers(t *testing.T) {
	q, err := Open(t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()
	if got := strings.Join(q.Tiers(), ","); got != "sqlite,leveldb,minimal" {
		t.Fatalf("unexpected tiers %s", got)
	}
}

func TestQueue_MarkAttemptDoesNotResurrectRemoved(t *testing.T) {
	sq, _, _ := openTiers(t)
	slow := &slowGetBackend{Backend: sq}
	q := New(nil, slow)
	a, err := q.Enqueue(booking("", time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	removed := make(chan struct{})
	slow.afterGet = func(id string) {
		go func() {
			q.Remove(id)
			close(removed)
		}()
		time.Sleep(30 * time.Millisecond)
	}
	if err := q.MarkAttempt(a.ID, errors.New("timeout")); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}
	<-removed
	if n := q.Count(); n != 0 {
		t.Fatalf("removed action came back: %d pending", n)
	}
}
