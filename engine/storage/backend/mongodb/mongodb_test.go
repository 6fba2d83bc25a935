package objectstoragemongodb

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/godor/engine/storage/storage_common"
)

func TestMongoDBObjectStorage(t *testing.T) {
	es, err := OpenMongoDB("mongodb://localhost:27017/godor_test", "godor_test")
	if err != nil {
		t.Skipf("mongodb not available: %v", err)
	}
	defer es.Close()

	rec, err := es.Read(0xFFFFFFF0)
	assert.Equal(t, nil, err)
	assert.T(t, rec == nil, "missing object reads as nil")

	saved := storagecommon.NewObjectRecord("DistributedAvatar")
	saved.Fields["setName"] = []byte{0, 1, 'x'}
	assert.Equal(t, nil, es.Write(4000, saved))
	rec, err = es.Read(4000)
	assert.Equal(t, nil, err)
	assert.Equal(t, saved, rec)

	exists, err := es.Exists(4000)
	assert.Equal(t, nil, err)
	assert.T(t, exists, "saved")
}
