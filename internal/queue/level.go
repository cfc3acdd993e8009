package queue

import (
	"encoding/json"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelPrefix = "a:"

// LevelBackend is the flat key/value tier: a:<id> -> JSON.
type LevelBackend struct {
	db *leveldb.DB
}

// OpenLevel opens (or creates) the database directory at path.
func OpenLevel(path string) (*LevelBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelBackend{db: db}, nil
}

func (b *LevelBackend) Name() string { return "leveldb" }

func (b *LevelBackend) Put(a Action) error {
	v, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return b.db.Put([]byte(levelPrefix+a.ID), v, nil)
}

func (b *LevelBackend) Get(id string) (Action, error) {
	v, err := b.db.Get([]byte(levelPrefix+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Action{}, ErrNotFound
	}
	if err != nil {
		return Action{}, err
	}
	var a Action
	if err := json.Unmarshal(v, &a); err != nil {
		return Action{}, err
	}
	return a, nil
}

func (b *LevelBackend) Delete(id string) error {
	return b.db.Delete([]byte(levelPrefix+id), nil)
}

func (b *LevelBackend) List() ([]Action, error) {
	it := b.db.NewIterator(util.BytesPrefix([]byte(levelPrefix)), nil)
	defer it.Release()

	var out []Action
	for it.Next() {
		var a Action
		if err := json.Unmarshal(it.Value(), &a); err != nil {
			// A corrupt record must not hide the rest.
			continue
		}
		out = append(out, a)
	}
	return out, it.Error()
}

func (b *LevelBackend) Close() error { return b.db.Close() }
