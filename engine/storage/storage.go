// Package storage runs object storage operations on a background goroutine
// and posts their results back to the main tick.
package storage

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/consts"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/opmon"
	"github.com/xiaonanln/godor/engine/post"
	"github.com/xiaonanln/godor/engine/storage/backend/filesystem"
	"github.com/xiaonanln/godor/engine/storage/backend/mongodb"
	"github.com/xiaonanln/godor/engine/storage/backend/redis"
	"github.com/xiaonanln/godor/engine/storage/backend/redis_cluster"
	"github.com/xiaonanln/godor/engine/storage/storage_common"
)

var (
	storageEngine            storagecommon.ObjectStorage
	storageConfig            *config.StorageConfig
	operationQueue           *xnsyncutil.SyncQueue
	storageRoutineTerminated *xnsyncutil.OneTimeCond
)

type saveRequest struct {
	DoID     common.DoID
	Record   *storagecommon.ObjectRecord
	Callback SaveCallbackFunc
}

type loadRequest struct {
	DoID     common.DoID
	Callback LoadCallbackFunc
}

type existsRequest struct {
	DoID     common.DoID
	Callback ExistsCallbackFunc
}

type listObjectIDsRequest struct {
	Callback ListCallbackFunc
}

// SaveCallbackFunc is the callback type of storage Save
type SaveCallbackFunc func()

// LoadCallbackFunc is the callback type of storage Load. rec is nil for missing objects.
type LoadCallbackFunc func(rec *storagecommon.ObjectRecord, err error)

// ExistsCallbackFunc is the callback type of storage Exists
type ExistsCallbackFunc func(exists bool, err error)

// ListCallbackFunc is the callback type of storage List
type ListCallbackFunc func([]common.DoID, error)

// Save saves an object record to storage
func Save(doID common.DoID, rec *storagecommon.ObjectRecord, callback SaveCallbackFunc) {
	operationQueue.Push(saveRequest{
		DoID:     doID,
		Record:   rec,
		Callback: callback,
	})
	checkOperationQueueLen()
}

// Load loads an object record from storage
func Load(doID common.DoID, callback LoadCallbackFunc) {
	operationQueue.Push(loadRequest{
		DoID:     doID,
		Callback: callback,
	})
	checkOperationQueueLen()
}

// Exists checks if the object is in storage
func Exists(doID common.DoID, callback ExistsCallbackFunc) {
	operationQueue.Push(existsRequest{
		DoID:     doID,
		Callback: callback,
	})
	checkOperationQueueLen()
}

// ListObjectIDs returns all object IDs in storage
func ListObjectIDs(callback ListCallbackFunc) {
	operationQueue.Push(listObjectIDsRequest{
		Callback: callback,
	})
	checkOperationQueueLen()
}

var recentWarnedQueueLen = 0

func checkOperationQueueLen() {
	qlen := operationQueue.Len()
	if qlen > 100 && qlen%100 == 0 && recentWarnedQueueLen != qlen {
		gwlog.Warnf("Storage operation queue length = %d", qlen)
		recentWarnedQueueLen = qlen
	}
}

// Shutdown storage module
func Shutdown() {
	operationQueue.Close()
	storageRoutineTerminated.Wait()
}

// Initialize opens the storage engine described by cfg and starts the storage routine
func Initialize(cfg *config.StorageConfig) {
	storageConfig = cfg
	storageEngine = nil
	operationQueue = xnsyncutil.NewSyncQueue()
	storageRoutineTerminated = xnsyncutil.NewOneTimeCond()
	err := assureStorageEngineReady()
	if err != nil {
		gwlog.Fatalf("Storage engine is not ready: %s", err)
	}
	go storageRoutine()
}

// Open opens the storage engine described by cfg
func Open(cfg *config.StorageConfig) (storagecommon.ObjectStorage, error) {
	switch cfg.Type {
	case "filesystem":
		return objectstoragefilesystem.OpenDirectory(cfg.Directory)
	case "mongodb":
		return objectstoragemongodb.OpenMongoDB(cfg.Url, cfg.DB)
	case "redis":
		dbindex := -1
		if cfg.DB != "" {
			var err error
			if dbindex, err = strconv.Atoi(cfg.DB); err != nil {
				return nil, errors.Wrapf(err, "redis db %q", cfg.DB)
			}
		}
		return objectstorageredis.OpenRedis(cfg.Url, dbindex)
	case "redis_cluster":
		return objectstoragerediscluster.OpenRedisCluster(cfg.StartNodes.ToList())
	}
	return nil, errors.Errorf("unknown storage type: %s", cfg.Type)
}

func assureStorageEngineReady() (err error) {
	if storageEngine != nil {
		return
	}
	storageEngine, err = Open(storageConfig)
	return
}

func storageRoutine() {
	defer func() {
		err := recover()
		if err != nil {
			gwlog.TraceError("storage routine paniced: %s, restarting ...", err)
			go storageRoutine()
		} else {
			if storageEngine != nil {
				storageEngine.Close()
			}
			storageRoutineTerminated.Signal()
		}
	}()

	for {
		err := assureStorageEngineReady()
		if err != nil {
			gwlog.Errorf("Storage engine is not ready: %s", err)
			time.Sleep(time.Second)
			continue
		}

		op := operationQueue.Pop()
		if op == nil { // storage closed
			break
		}

		var monop *opmon.Operation
		if saveReq, ok := op.(saveRequest); ok {
			monop = opmon.StartOperation("storage.save")
			for {
				if consts.DEBUG_SAVE_LOAD {
					gwlog.Debugf("storage: SAVING %d %s ...", saveReq.DoID, saveReq.Record)
				}
				err := assureStorageEngineReady()
				if err != nil {
					gwlog.Errorf("Storage engine is not ready: %s", err)
					time.Sleep(time.Second)
					continue
				}

				err = storageEngine.Write(saveReq.DoID, saveReq.Record)
				if err != nil {
					gwlog.Errorf("storage: save failed: %s", err)
					if storageEngine.IsEOF(err) {
						storageEngine.Close()
						storageEngine = nil
					}
					time.Sleep(100 * time.Millisecond)
					continue // always retry if fail
				}
				monop.Finish(time.Millisecond * 100)
				if saveReq.Callback != nil {
					post.Post(func() {
						saveReq.Callback()
					})
				}
				break
			}
		} else if loadReq, ok := op.(loadRequest); ok {
			if consts.DEBUG_SAVE_LOAD {
				gwlog.Debugf("storage: LOADING %d ...", loadReq.DoID)
			}
			monop = opmon.StartOperation("storage.load")
			rec, err := storageEngine.Read(loadReq.DoID)
			if err != nil {
				gwlog.TraceError("storage: load %d failed: %s", loadReq.DoID, err)
				rec = nil
			}

			monop.Finish(time.Millisecond * 100)
			if loadReq.Callback != nil {
				post.Post(func() {
					loadReq.Callback(rec, err)
				})
			}

			if err != nil && storageEngine.IsEOF(err) {
				storageEngine.Close()
				storageEngine = nil
			}
		} else if existsReq, ok := op.(existsRequest); ok {
			monop = opmon.StartOperation("storage.exists")
			exists, err := storageEngine.Exists(existsReq.DoID)
			monop.Finish(time.Millisecond * 100)
			if existsReq.Callback != nil {
				post.Post(func() {
					existsReq.Callback(exists, err)
				})
			}
			if err != nil && storageEngine.IsEOF(err) {
				storageEngine.Close()
				storageEngine = nil
			}
		} else if listReq, ok := op.(listObjectIDsRequest); ok {
			monop = opmon.StartOperation("storage.list")
			ids, err := storageEngine.List()
			if err != nil {
				gwlog.TraceError("ListObjectIDs failed: %s", err)
			}
			monop.Finish(time.Millisecond * 1000)
			if listReq.Callback != nil {
				post.Post(func() {
					listReq.Callback(ids, err)
				})
			}
			if err != nil && storageEngine.IsEOF(err) {
				storageEngine.Close()
				storageEngine = nil
			}
		} else {
			gwlog.Panicf("storage: unknown operation: %v", op)
		}
	}
}
