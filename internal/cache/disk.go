package cache

import (
	"bytes"
	"encoding/gob"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"lifeline/internal/content"
)

// Keys are namespaced by version:
//
//	e\x00<version>\x00<key>  gob(Entry)
//	m\x00<version>\x00<key>  gob(diskMeta)
const (
	entryPrefix = "e\x00"
	metaPrefix  = "m\x00"
	sep         = "\x00"
)

func entryKey(version, key string) []byte { return []byte(entryPrefix + version + sep + key) }
func metaKey(version, key string) []byte  { return []byte(metaPrefix + version + sep + key) }

// splitKey parses a raw leveldb key into its version and cache key.
func splitKey(raw []byte) (version, key string, ok bool) {
	s := string(raw)
	if len(s) < 2 {
		return "", "", false
	}
	rest := s[2:]
	i := strings.Index(rest, sep)
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

type diskMeta struct {
	Size       int64
	LastAccess int64
	Class      content.Class
}

type diskOp struct {
	version string
	putKey  string
	putEnt  *Entry
	delKey  string

	// fn runs on the writer goroutine, ordered after every earlier op.
	fn   func()
	done chan struct{}
}

type diskCache struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	version   string
	index     map[string]diskMeta
	totalSize int64

	closeMu sync.RWMutex
	closed  bool
	ops     chan diskOp
	done    chan struct{}
}

func newDiskCache(path, version string, maxBytes int64) (*diskCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &diskCache{
		maxBytes: maxBytes,
		db:       db,
		version:  version,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ops)
	d.closeMu.Unlock()
	<-d.done
	return d.db.Close()
}

func (d *diskCache) send(op diskOp) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return false
	}
	d.ops <- op
	return true
}

// run executes fn on the writer goroutine and waits for it.
func (d *diskCache) run(fn func()) {
	done := make(chan struct{})
	if !d.send(diskOp{fn: fn, done: done}) {
		return
	}
	<-done
}

func (d *diskCache) currentVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

func (d *diskCache) loadIndex() error {
	version := d.currentVersion()
	it := d.db.NewIterator(util.BytesPrefix([]byte(metaPrefix+version+sep)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		_, key, ok := splitKey(it.Key())
		if !ok {
			continue
		}
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskCache) HasKey(key string) bool {
	d.mu.Lock()
	_, ok := d.index[key]
	d.mu.Unlock()
	return ok
}

// KeysOf lists indexed keys, optionally filtered by class.
func (d *diskCache) KeysOf(filter func(content.Class) bool) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k, m := range d.index {
		if filter == nil || filter(m.Class) {
			out = append(out, k)
		}
	}
	return out
}

func (d *diskCache) Peek(key string) (Entry, bool) {
	b, err := d.db.Get(entryKey(d.currentVersion(), key), nil)
	if err != nil {
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false
	}
	return ent, true
}

func (d *diskCache) Get(key string) (Entry, bool) {
	ent, ok := d.Peek(key)
	if !ok {
		return Entry{}, false
	}
	d.mu.Lock()
	meta, exists := d.index[key]
	if exists {
		meta.LastAccess = time.Now().Unix()
		d.index[key] = meta
	}
	version := d.version
	d.mu.Unlock()
	if exists {
		d.send(diskOp{version: version, putKey: key}) // meta touch
	}
	return ent, true
}

func (d *diskCache) PutAsync(key string, ent Entry) {
	clone := ent
	d.send(diskOp{version: ent.Version, putKey: key, putEnt: &clone})
}

func (d *diskCache) Delete(key string) {
	d.send(diskOp{version: d.currentVersion(), delKey: key})
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		switch {
		case op.fn != nil:
			op.fn()
			close(op.done)
		case op.version != d.currentVersion():
			// Written under a version that has since been invalidated.
		case op.delKey != "":
			d.applyDelete(op.delKey)
		case op.putKey != "":
			d.applyPutOrTouch(op.putKey, op.putEnt)
		}
	}
}

func (d *diskCache) applyPutOrTouch(key string, ent *Entry) {
	now := time.Now().Unix()

	d.mu.Lock()
	meta := d.index[key]
	version := d.version
	d.mu.Unlock()

	batch := new(leveldb.Batch)

	if ent != nil {
		b, err := encodeGob(*ent)
		if err != nil {
			return
		}
		size := int64(len(b))

		d.mu.Lock()
		old := d.index[key]
		if old.Size > 0 {
			d.totalSize -= old.Size
		}
		meta.Size = size
		meta.LastAccess = now
		meta.Class = ent.Class
		d.index[key] = meta
		d.totalSize += size
		total := d.totalSize
		max := d.maxBytes
		d.mu.Unlock()

		batch.Put(entryKey(version, key), b)
		mb, _ := encodeGob(meta)
		batch.Put(metaKey(version, key), mb)
		_ = d.db.Write(batch, nil)

		if max > 0 && total > max {
			d.evictSome()
		}
		return
	}

	// touch only
	if meta.Size == 0 {
		return
	}
	meta.LastAccess = now
	d.mu.Lock()
	d.index[key] = meta
	d.mu.Unlock()
	mb, _ := encodeGob(meta)
	batch.Put(metaKey(version, key), mb)
	_ = d.db.Write(batch, nil)
}

func (d *diskCache) applyDelete(key string) {
	version := d.currentVersion()
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(version, key))
	batch.Delete(metaKey(version, key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

func (d *diskCache) evictSome() {
	d.mu.Lock()
	items := make([]struct {
		key string
		m   diskMeta
	}, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, struct {
			key string
			m   diskMeta
		}{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}

	for i := 0; i < n && i < len(items); i++ {
		d.applyDelete(items[i].key)
	}
}

// invalidate deletes every key written under a version other than current in
// a single batch, then makes current the active version and calls onSwitch.
// It runs on the writer goroutine.
func (d *diskCache) invalidate(current string, onSwitch func()) (int, error) {
	var (
		deleted int
		err     error
	)
	d.run(func() {
		batch := new(leveldb.Batch)
		for _, prefix := range []string{entryPrefix, metaPrefix} {
			it := d.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
			for it.Next() {
				version, _, ok := splitKey(it.Key())
				if ok && version == current {
					continue
				}
				batch.Delete(append([]byte(nil), it.Key()...))
				if prefix == entryPrefix {
					deleted++
				}
			}
			it.Release()
			if err = it.Error(); err != nil {
				return
			}
		}
		if batch.Len() > 0 {
			if err = d.db.Write(batch, nil); err != nil {
				return
			}
		}

		d.mu.Lock()
		switched := d.version != current
		d.version = current
		d.mu.Unlock()
		if onSwitch != nil {
			onSwitch()
		}
		if switched {
			err = d.loadIndex()
		}
	})
	return deleted, err
}

// clear deletes every key of the current version.
func (d *diskCache) clear() error {
	var err error
	d.run(func() {
		version := d.currentVersion()
		batch := new(leveldb.Batch)
		for _, prefix := range []string{entryPrefix, metaPrefix} {
			it := d.db.NewIterator(util.BytesPrefix([]byte(prefix+version+sep)), nil)
			for it.Next() {
				batch.Delete(append([]byte(nil), it.Key()...))
			}
			it.Release()
			if err = it.Error(); err != nil {
				return
			}
		}
		if err = d.db.Write(batch, nil); err != nil {
			return
		}
		d.mu.Lock()
		d.index = map[string]diskMeta{}
		d.totalSize = 0
		d.mu.Unlock()
	})
	return err
}

// flush waits until every queued write has been applied.
func (d *diskCache) flush() { d.run(func() {}) }

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
