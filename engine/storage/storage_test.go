package storage

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/config"
	"github.com/xiaonanln/godor/engine/post"
	"github.com/xiaonanln/godor/engine/storage/storage_common"
)

func waitFor(t *testing.T, done func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatalf("storage callback never ran")
		}
		time.Sleep(time.Millisecond)
		post.Tick()
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	Initialize(&config.StorageConfig{Type: "filesystem", Directory: t.TempDir()})
	defer Shutdown()

	rec := storagecommon.NewObjectRecord("DistributedAvatar")
	rec.Fields["setName"] = []byte{0, 2, 'h', 'i'}

	saved := false
	Save(4001, rec, func() { saved = true })
	waitFor(t, func() bool { return saved })

	var loaded *storagecommon.ObjectRecord
	loadDone := false
	Load(4001, func(r *storagecommon.ObjectRecord, err error) {
		assert.Equal(t, nil, err)
		loaded, loadDone = r, true
	})
	waitFor(t, func() bool { return loadDone })
	assert.Equal(t, rec, loaded)

	missingDone := false
	Load(4002, func(r *storagecommon.ObjectRecord, err error) {
		assert.T(t, r == nil, "missing object")
		missingDone = true
	})
	waitFor(t, func() bool { return missingDone })

	var ids []common.DoID
	listDone := false
	ListObjectIDs(func(r []common.DoID, err error) {
		ids, listDone = r, true
	})
	waitFor(t, func() bool { return listDone })
	assert.Equal(t, []common.DoID{4001}, ids)

	exists, existsDone := false, false
	Exists(4001, func(b bool, err error) { exists, existsDone = b, true })
	waitFor(t, func() bool { return existsDone })
	assert.T(t, exists, "exists")
}

func TestOpenUnknownType(t *testing.T) {
	_, err := Open(&config.StorageConfig{Type: "floppy"})
	assert.T(t, err != nil, "unknown storage type")
}
