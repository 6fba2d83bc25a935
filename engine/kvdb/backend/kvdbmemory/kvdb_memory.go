// Package kvdbmemory is a process local KVDB engine. Nothing survives a restart.
package kvdbmemory

import (
	"io"
	"sync"

	"github.com/xiaonanln/godor/engine/kvdb/types"
)

type memoryKVDB struct {
	lock  sync.Mutex
	vals  map[string]string
	index *kvdbtypes.KeyIndex
}

// OpenMemoryKVDB creates an empty in-memory KVDB engine
func OpenMemoryKVDB() kvdbtypes.KVDBEngine {
	return &memoryKVDB{
		vals:  map[string]string{},
		index: kvdbtypes.NewKeyIndex(),
	}
}

func (db *memoryKVDB) Get(key string) (string, error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.vals[key], nil
}

func (db *memoryKVDB) Put(key string, val string) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.vals[key] = val
	db.index.Add(key)
	return nil
}

type memoryIterator struct {
	items []kvdbtypes.KVItem
}

func (it *memoryIterator) Next() (kvdbtypes.KVItem, error) {
	if len(it.items) == 0 {
		return kvdbtypes.KVItem{}, io.EOF
	}
	item := it.items[0]
	it.items = it.items[1:]
	return item, nil
}

func (db *memoryKVDB) Find(beginKey string, endKey string) (kvdbtypes.Iterator, error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	it := &memoryIterator{}
	for _, key := range db.index.Range(beginKey, endKey) {
		it.items = append(it.items, kvdbtypes.KVItem{Key: key, Val: db.vals[key]})
	}
	return it, nil
}

func (db *memoryKVDB) Close() {
}

func (db *memoryKVDB) IsConnectionError(err error) bool {
	return false
}
