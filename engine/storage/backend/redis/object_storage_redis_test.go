package objectstorageredis

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/storage/storage_common"
)

func TestRedisObjectStorage(t *testing.T) {
	es, err := OpenRedis("redis://localhost:6379", 0)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer es.Close()
	gwlog.Infof("TestRedisObjectStorage: %v", es)

	rec, err := es.Read(0xFFFFFFF0)
	assert.Equal(t, nil, err)
	assert.T(t, rec == nil, "missing object reads as nil")

	saved := storagecommon.NewObjectRecord("DistributedAvatar")
	saved.Fields["setHp"] = []byte{0, 0, 0, 7}
	assert.Equal(t, nil, es.Write(0xFFFFFFF1, saved))

	rec, err = es.Read(0xFFFFFFF1)
	assert.Equal(t, nil, err)
	assert.Equal(t, saved, rec)

	exists, err := es.Exists(0xFFFFFFF1)
	assert.Equal(t, nil, err)
	assert.T(t, exists, "saved")

	ids, err := es.List()
	assert.Equal(t, nil, err)
	assert.T(t, len(ids) > 0, "listed")
}
