package objectstoragerediscluster

import (
	"io"
	"time"

	rediscluster "github.com/chasex/redis-go-cluster"
	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/godor/engine/storage/storage_common"
)

var (
	dataPacker = netutil.MessagePackMsgPacker{}
)

type redisClusterObjectStorage struct {
	c *rediscluster.Cluster
}

// OpenRedisCluster opens a redis cluster as object storage
func OpenRedisCluster(startNodes []string) (storagecommon.ObjectStorage, error) {
	c, err := rediscluster.NewCluster(&rediscluster.Options{
		StartNodes:   startNodes,
		ConnTimeout:  10 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		KeepAlive:    1,
		AliveTime:    10 * time.Minute,
	})

	if err != nil {
		return nil, errors.Wrap(err, "connect redis cluster failed")
	}

	return &redisClusterObjectStorage{
		c: c,
	}, nil
}

// List is not supported: SCAN does not span cluster nodes
func (es *redisClusterObjectStorage) List() ([]common.DoID, error) {
	return nil, errors.New("redis cluster storage can not list objects")
}

func (es *redisClusterObjectStorage) Write(doID common.DoID, rec *storagecommon.ObjectRecord) error {
	b, err := dataPacker.PackMsg(rec, nil)
	if err != nil {
		return err
	}

	_, err = es.c.Do("SET", storagecommon.ObjectKey(doID), b)
	return err
}

func (es *redisClusterObjectStorage) Read(doID common.DoID) (*storagecommon.ObjectRecord, error) {
	b, err := redis.Bytes(es.c.Do("GET", storagecommon.ObjectKey(doID)))
	if err == redis.ErrNil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	rec := &storagecommon.ObjectRecord{}
	if err = dataPacker.UnpackMsg(b, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (es *redisClusterObjectStorage) Exists(doID common.DoID) (bool, error) {
	return redis.Bool(es.c.Do("EXISTS", storagecommon.ObjectKey(doID)))
}

func (es *redisClusterObjectStorage) Close() {
	es.c.Close()
}

func (es *redisClusterObjectStorage) IsEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
