package storagecommon

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/godor/engine/common"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "obj$4001", ObjectKey(4001))
	doID, ok := ParseObjectKey("obj$4001")
	assert.T(t, ok, "valid key")
	assert.Equal(t, common.DoID(4001), doID)

	for _, key := range []string{"obj$", "obj$x", "foo$12", "obj$99999999999"} {
		_, ok := ParseObjectKey(key)
		assert.Tf(t, !ok, "%s is not an object key", key)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	rec := NewObjectRecord("DistributedAvatar")
	rec.Fields["setName"] = []byte{0, 1, 'a'}
	cp := rec.Clone()
	cp.Fields["setHp"] = []byte{1}
	assert.Equal(t, 1, len(rec.Fields))
	assert.Equal(t, 2, len(cp.Fields))
	assert.Equal(t, rec.DClass, cp.DClass)
}
