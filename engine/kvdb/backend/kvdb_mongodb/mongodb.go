package kvdbmongo

import (
	"io"

	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"

	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/kvdb/types"
)

const (
	_DEFAULT_DB_NAME    = "godor"
	_DEFAULT_COLLECTION = "__kv__"
)

type kvDoc struct {
	Key string `bson:"_id"`
	Val string `bson:"v"`
}

type mongoKVDB struct {
	s *mgo.Session
	c *mgo.Collection
}

// OpenMongoKVDB opens mongodb as KVDB engine
func OpenMongoKVDB(url string, dbname string, collectionName string) (kvdbtypes.KVDBEngine, error) {
	gwlog.Debugf("Connecting MongoDB ...")
	session, err := mgo.Dial(url)
	if err != nil {
		return nil, err
	}

	session.SetMode(mgo.Monotonic, true)
	if dbname == "" {
		dbname = _DEFAULT_DB_NAME
	}
	if collectionName == "" {
		collectionName = _DEFAULT_COLLECTION
	}
	return &mongoKVDB{
		s: session,
		c: session.DB(dbname).C(collectionName),
	}, nil
}

func (kvdb *mongoKVDB) Put(key string, val string) error {
	_, err := kvdb.c.UpsertId(key, kvDoc{Key: key, Val: val})
	return err
}

func (kvdb *mongoKVDB) Get(key string) (string, error) {
	var doc kvDoc
	err := kvdb.c.FindId(key).One(&doc)
	if err == mgo.ErrNotFound {
		return "", nil
	}
	return doc.Val, err
}

type mongoKVIterator struct {
	it *mgo.Iter
}

func (it *mongoKVIterator) Next() (kvdbtypes.KVItem, error) {
	var doc kvDoc
	if it.it.Next(&doc) {
		return kvdbtypes.KVItem{Key: doc.Key, Val: doc.Val}, nil
	}

	if err := it.it.Close(); err != nil {
		return kvdbtypes.KVItem{}, err
	}
	return kvdbtypes.KVItem{}, io.EOF
}

func (kvdb *mongoKVDB) Find(beginKey string, endKey string) (kvdbtypes.Iterator, error) {
	q := kvdb.c.Find(bson.M{"_id": bson.M{"$gte": beginKey, "$lt": endKey}}).Sort("_id")
	return &mongoKVIterator{
		it: q.Iter(),
	}, nil
}

func (kvdb *mongoKVDB) Close() {
	kvdb.s.Close()
}

func (kvdb *mongoKVDB) IsConnectionError(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
