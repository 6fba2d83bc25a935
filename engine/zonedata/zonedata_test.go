package zonedata

import (
	"testing"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/grid"
)

func TestRefCounting(t *testing.T) {
	c := NewCache(true)
	loc := common.Location{ParentID: 100, ZoneID: 200}
	h1 := c.Get(loc)
	h2 := c.Get(loc)
	assert.T(t, h1.Data() == h2.Data(), "shared data")
	assert.Equal(t, 2, c.RefCount(loc))
	assert.T(t, h1.Data().Collision.FluidPusher, "fluid pusher from cache setting")

	data := h1.Data()
	h1.Release()
	h1.Release()
	assert.Equal(t, 1, c.RefCount(loc))
	assert.T(t, h1.Data() == nil, "released handle has no data")
	assert.T(t, !data.IsDestroyed(), "still referenced")

	h2.Release()
	assert.T(t, data.IsDestroyed(), "destroyed on last release")
	assert.Equal(t, 0, c.Len())

	h3 := c.Get(loc)
	assert.T(t, h3.Data() != data, "fresh data after destroy")
}

func TestDestroyClearsState(t *testing.T) {
	c := NewCache(false)
	h := c.Get(common.Location{ParentID: 1, ZoneID: 2})
	zd := h.Data()
	child := grid.NewNode("child")
	child.ReparentTo(zd.SceneRoot)
	zd.Collision.AddCollider(child)
	zd.ParentMgr.RegisterParent(7, zd.SceneRoot)

	other := grid.NewNode("other")
	assert.T(t, zd.ParentMgr.RequestReparent(other, 7), "known token")
	assert.T(t, other.Parent() == zd.SceneRoot, "reparented")
	assert.T(t, !zd.ParentMgr.RequestReparent(other, 8), "unknown token")

	h.Release()
	assert.Equal(t, 0, zd.Collision.NumColliders())
	assert.T(t, child.IsRemoved(), "scene graph removed")
}
