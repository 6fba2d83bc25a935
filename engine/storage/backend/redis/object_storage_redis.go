package objectstorageredis

import (
	"io"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/netutil"
	. "github.com/xiaonanln/godor/engine/storage/storage_common"
)

var (
	dataPacker = netutil.MessagePackMsgPacker{}
)

type redisObjectStorage struct {
	c redis.Conn
}

// OpenRedis opens redis as object storage
func OpenRedis(url string, dbindex int) (ObjectStorage, error) {
	c, err := redis.DialURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "redis dial failed")
	}

	if dbindex >= 0 {
		if _, err := c.Do("SELECT", dbindex); err != nil {
			return nil, errors.Wrap(err, "redis select db failed")
		}
	}

	es := &redisObjectStorage{
		c: c,
	}

	return es, nil
}

func (es *redisObjectStorage) List() ([]common.DoID, error) {
	return scanObjectIDs(es.c)
}

func scanObjectIDs(c interface {
	Do(commandName string, args ...interface{}) (interface{}, error)
}) ([]common.DoID, error) {
	r, err := redis.Values(c.Do("SCAN", "0", "MATCH", "obj$*", "COUNT", 10000))
	if err != nil {
		return nil, err
	}
	var ids []common.DoID
	for {
		nextCursor := r[0]
		keys, err := redis.Strings(r[1], nil)
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			if doID, ok := ParseObjectKey(key); ok {
				ids = append(ids, doID)
			}
		}

		if isZeroCursor(nextCursor) {
			break
		}
		r, err = redis.Values(c.Do("SCAN", nextCursor, "MATCH", "obj$*", "COUNT", 10000))
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func isZeroCursor(c interface{}) bool {
	return string(c.([]byte)) == "0"
}

func (es *redisObjectStorage) Write(doID common.DoID, rec *ObjectRecord) error {
	b, err := dataPacker.PackMsg(rec, nil)
	if err != nil {
		return err
	}

	_, err = es.c.Do("SET", ObjectKey(doID), b)
	return err
}

func (es *redisObjectStorage) Read(doID common.DoID) (*ObjectRecord, error) {
	b, err := redis.Bytes(es.c.Do("GET", ObjectKey(doID)))
	if err == redis.ErrNil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	rec := &ObjectRecord{}
	if err = dataPacker.UnpackMsg(b, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (es *redisObjectStorage) Exists(doID common.DoID) (bool, error) {
	return redis.Bool(es.c.Do("EXISTS", ObjectKey(doID)))
}

func (es *redisObjectStorage) Close() {
	es.c.Close()
}

func (es *redisObjectStorage) IsEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
