package kvdbtypes

import "github.com/petar/GoLLRB/llrb"

// KVDBEngine defines the interface of a KVDB engine implementation
type KVDBEngine interface {
	Get(key string) (val string, err error)
	Put(key string, val string) (err error)
	Find(beginKey string, endKey string) (Iterator, error)
	Close()
	IsConnectionError(err error) bool
}

// Iterator is the interface for iterators for KVDB
//
// Next should returns the next item with error=nil whenever has next item
// otherwise returns KVItem{}, io.EOF
// When failed, returns KVItem{}, error
type Iterator interface {
	Next() (KVItem, error)
}

// KVItem is the type of KVDB item
type KVItem struct {
	Key string
	Val string
}

// KeyIndex keeps keys ordered for backends that cannot range-scan
type KeyIndex struct {
	tree *llrb.LLRB
}

type keyItem string

func (k keyItem) Less(than llrb.Item) bool {
	return k < than.(keyItem)
}

// NewKeyIndex creates an empty key index
func NewKeyIndex() *KeyIndex {
	return &KeyIndex{tree: llrb.New()}
}

// Add adds key to the index
func (ki *KeyIndex) Add(key string) {
	ki.tree.ReplaceOrInsert(keyItem(key))
}

// Len returns the number of indexed keys
func (ki *KeyIndex) Len() int {
	return ki.tree.Len()
}

// Range returns the keys in [beginKey, endKey) in order
func (ki *KeyIndex) Range(beginKey string, endKey string) []string {
	keys := []string{}
	ki.tree.AscendRange(keyItem(beginKey), keyItem(endKey), func(i llrb.Item) bool {
		keys = append(keys, string(i.(keyItem)))
		return true
	})
	return keys
}
