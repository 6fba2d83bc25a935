// Package kvdb is a small key-value store run on a background goroutine.
// Results are posted back to the main tick. The database server keeps its
// doId allocation state here.
package kvdb

import (
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/kvdb/backend/kvdb_mongodb"
	"github.com/xiaonanln/godor/engine/kvdb/backend/kvdbmemory"
	"github.com/xiaonanln/godor/engine/kvdb/backend/kvdbredis"
	"github.com/xiaonanln/godor/engine/kvdb/backend/kvdbrediscluster"
	. "github.com/xiaonanln/godor/engine/kvdb/types"
	"github.com/xiaonanln/godor/engine/opmon"
	"github.com/xiaonanln/godor/engine/post"
)

var (
	kvdbEngine     KVDBEngine
	kvdbConfig     *config.KVDBConfig
	kvdbOpQueue    *xnsyncutil.SyncQueue
	kvdbTerminated *xnsyncutil.OneTimeCond
)

// KVDBGetCallback is called with the value of a key, "" if missing
type KVDBGetCallback func(val string, err error)

// KVDBPutCallback is called once a put is done
type KVDBPutCallback func(err error)

// KVDBGetRangeCallback is called with the items of a range query
type KVDBGetRangeCallback func(items []KVItem, err error)

// Initialize opens the KVDB engine described by cfg. An empty type leaves KVDB disabled.
func Initialize(cfg *config.KVDBConfig) bool {
	if cfg.Type == "" {
		return false
	}

	gwlog.Infof("KVDB initializing, config:\n%s", config.DumpPretty(cfg))
	kvdbConfig = cfg
	kvdbEngine = nil
	kvdbOpQueue = xnsyncutil.NewSyncQueue()
	kvdbTerminated = xnsyncutil.NewOneTimeCond()

	if err := assureKVDBEngineReady(); err != nil {
		gwlog.Fatalf("KVDB engine is not ready: %s", err)
	}

	go kvdbRoutine()
	return true
}

// IsEnabled returns whether Initialize opened an engine
func IsEnabled() bool {
	return kvdbOpQueue != nil
}

// Open opens the KVDB engine described by cfg
func Open(cfg *config.KVDBConfig) (KVDBEngine, error) {
	switch cfg.Type {
	case "memory":
		return kvdbmemory.OpenMemoryKVDB(), nil
	case "mongodb":
		return kvdbmongo.OpenMongoKVDB(cfg.Url, cfg.DB, cfg.Collection)
	case "redis":
		dbindex := -1
		if cfg.DB != "" {
			var err error
			if dbindex, err = strconv.Atoi(cfg.DB); err != nil {
				return nil, errors.Wrapf(err, "redis db %q", cfg.DB)
			}
		}
		return kvdbredis.OpenRedisKVDB(cfg.Url, dbindex)
	case "redis_cluster":
		return kvdbrediscluster.OpenRedisKVDB(cfg.StartNodes.ToList())
	}
	return nil, errors.Errorf("KVDB type %s is not implemented", cfg.Type)
}

func assureKVDBEngineReady() (err error) {
	if kvdbEngine != nil {
		return
	}
	kvdbEngine, err = Open(kvdbConfig)
	return
}

type getReq struct {
	key      string
	callback KVDBGetCallback
}

type putReq struct {
	key      string
	val      string
	callback KVDBPutCallback
}

type getRangeReq struct {
	beginKey string
	endKey   string
	callback KVDBGetRangeCallback
}

// Get reads key
func Get(key string, callback KVDBGetCallback) {
	kvdbOpQueue.Push(&getReq{
		key, callback,
	})
	checkOperationQueueLen()
}

// Put writes key
func Put(key string, val string, callback KVDBPutCallback) {
	kvdbOpQueue.Push(&putReq{
		key, val, callback,
	})
	checkOperationQueueLen()
}

// GetRange reads the keys in [beginKey, endKey) in order
func GetRange(beginKey string, endKey string, callback KVDBGetRangeCallback) {
	kvdbOpQueue.Push(&getRangeReq{
		beginKey, endKey, callback,
	})
	checkOperationQueueLen()
}

// NextLargerKey returns the smallest key larger than key
func NextLargerKey(key string) string {
	return key + "\x00"
}

// Close stops the KVDB routine after pending operations
func Close() {
	kvdbOpQueue.Close()
}

// WaitTerminated waits for the KVDB routine to quit after Close
func WaitTerminated() {
	kvdbTerminated.Wait()
}

var recentWarnedQueueLen = 0

func checkOperationQueueLen() {
	qlen := kvdbOpQueue.Len()
	if qlen > 100 && qlen%100 == 0 && recentWarnedQueueLen != qlen {
		gwlog.Warnf("KVDB operation queue length = %d", qlen)
		recentWarnedQueueLen = qlen
	}
}

func kvdbRoutine() {
	for {
		err := assureKVDBEngineReady()
		if err != nil {
			gwlog.Errorf("KVDB engine is not ready: %s", err)
			time.Sleep(time.Second)
			continue
		}

		req := kvdbOpQueue.Pop()
		if req == nil { // queue is closed
			kvdbEngine.Close()
			break
		}

		var op *opmon.Operation
		switch r := req.(type) {
		case *getReq:
			op = opmon.StartOperation("kvdb.get")
			handleGetReq(r)
		case *putReq:
			op = opmon.StartOperation("kvdb.put")
			handlePutReq(r)
		case *getRangeReq:
			op = opmon.StartOperation("kvdb.getRange")
			handleGetRangeReq(r)
		default:
			gwlog.Panicf("kvdb: unknown request: %v", req)
		}
		op.Finish(time.Millisecond * 100)
	}

	kvdbTerminated.Signal()
}

func checkConnection(err error) {
	if err != nil && kvdbEngine.IsConnectionError(err) {
		kvdbEngine.Close()
		kvdbEngine = nil
	}
}

func handleGetReq(getReq *getReq) {
	val, err := kvdbEngine.Get(getReq.key)
	if getReq.callback != nil {
		post.Post(func() {
			getReq.callback(val, err)
		})
	}
	checkConnection(err)
}

func handlePutReq(putReq *putReq) {
	err := kvdbEngine.Put(putReq.key, putReq.val)
	if putReq.callback != nil {
		post.Post(func() {
			putReq.callback(err)
		})
	}
	checkConnection(err)
}

func handleGetRangeReq(getRangeReq *getRangeReq) {
	items, err := getRange(getRangeReq.beginKey, getRangeReq.endKey)
	if getRangeReq.callback != nil {
		post.Post(func() {
			getRangeReq.callback(items, err)
		})
	}
	checkConnection(err)
}

func getRange(beginKey, endKey string) ([]KVItem, error) {
	it, err := kvdbEngine.Find(beginKey, endKey)
	if err != nil {
		return nil, err
	}
	var items []KVItem
	for {
		item, err := it.Next()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}
