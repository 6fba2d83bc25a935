package objectstoragemongodb

import (
	"io"

	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"

	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/storage/storage_common"
)

const (
	_DEFAULT_DB_NAME    = "godor"
	_OBJECTS_COLLECTION = "objects"
)

type mongoDBObjectStorage struct {
	db *mgo.Database
}

type objectDoc struct {
	DoID   uint32            `bson:"_id"`
	DClass string            `bson:"dclass"`
	Fields map[string][]byte `bson:"fields"`
}

// OpenMongoDB opens mongodb as object storage
func OpenMongoDB(url string, dbname string) (storagecommon.ObjectStorage, error) {
	gwlog.Debugf("Connecting MongoDB ...")
	session, err := mgo.Dial(url)
	if err != nil {
		return nil, err
	}

	session.SetMode(mgo.Monotonic, true)
	if dbname == "" {
		dbname = _DEFAULT_DB_NAME
	}
	return &mongoDBObjectStorage{
		db: session.DB(dbname),
	}, nil
}

func (es *mongoDBObjectStorage) col() *mgo.Collection {
	return es.db.C(_OBJECTS_COLLECTION)
}

func (es *mongoDBObjectStorage) Write(doID common.DoID, rec *storagecommon.ObjectRecord) error {
	_, err := es.col().UpsertId(uint32(doID), bson.M{
		"dclass": rec.DClass,
		"fields": rec.Fields,
	})
	return err
}

func (es *mongoDBObjectStorage) Read(doID common.DoID) (*storagecommon.ObjectRecord, error) {
	var doc objectDoc
	err := es.col().FindId(uint32(doID)).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	rec := storagecommon.NewObjectRecord(doc.DClass)
	for name, value := range doc.Fields {
		rec.Fields[name] = value
	}
	return rec, nil
}

func (es *mongoDBObjectStorage) List() ([]common.DoID, error) {
	var docs []bson.M
	err := es.col().Find(nil).Select(bson.M{"_id": 1}).All(&docs)
	if err != nil {
		return nil, err
	}

	ids := make([]common.DoID, 0, len(docs))
	for _, doc := range docs {
		switch id := doc["_id"].(type) {
		case int:
			ids = append(ids, common.DoID(id))
		case int64:
			ids = append(ids, common.DoID(id))
		default:
			gwlog.Warnf("mongodb: skip object with _id %v", doc["_id"])
		}
	}
	return ids, nil
}

func (es *mongoDBObjectStorage) Exists(doID common.DoID) (bool, error) {
	n, err := es.col().FindId(uint32(doID)).Count()
	return n > 0, err
}

func (es *mongoDBObjectStorage) Close() {
	es.db.Session.Close()
}

func (es *mongoDBObjectStorage) IsEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
