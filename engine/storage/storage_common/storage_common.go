package storagecommon

import (
	"fmt"
	"strconv"

	"github.com/xiaonanln/godor/engine/common"
)

// ObjectRecord is the stored form of one database object. Field values are
// kept packed in their wire encoding so a record can be sent back unchanged.
type ObjectRecord struct {
	DClass string            `msgpack:"dclass" bson:"dclass"`
	Fields map[string][]byte `msgpack:"fields" bson:"fields"`
}

// NewObjectRecord creates an empty record of dclass
func NewObjectRecord(dclass string) *ObjectRecord {
	return &ObjectRecord{DClass: dclass, Fields: map[string][]byte{}}
}

// Clone copies the record. Field bytes are shared; they are never modified in place.
func (rec *ObjectRecord) Clone() *ObjectRecord {
	cp := NewObjectRecord(rec.DClass)
	for name, data := range rec.Fields {
		cp.Fields[name] = data
	}
	return cp
}

func (rec *ObjectRecord) String() string {
	return fmt.Sprintf("ObjectRecord<%s, %d fields>", rec.DClass, len(rec.Fields))
}

// ObjectStorage defines the interface of object storage backends
type ObjectStorage interface {
	List() ([]common.DoID, error)
	Write(doID common.DoID, rec *ObjectRecord) error
	// Read returns nil, nil when the object does not exist
	Read(doID common.DoID) (*ObjectRecord, error)
	Exists(doID common.DoID) (bool, error)
	Close()
	IsEOF(err error) bool
}

// ObjectKey returns the key of an object in key-value backends
func ObjectKey(doID common.DoID) string {
	return "obj$" + strconv.FormatUint(uint64(doID), 10)
}

// ParseObjectKey is the inverse of ObjectKey
func ParseObjectKey(key string) (common.DoID, bool) {
	if len(key) < 5 || key[:4] != "obj$" {
		return 0, false
	}
	n, err := strconv.ParseUint(key[4:], 10, 32)
	if err != nil {
		return 0, false
	}
	return common.DoID(n), true
}
