// Package zonedata keeps per-zone scratch state shared by every object in a
// zone. Entries are reference counted and destroyed on the last release.
package zonedata

import (
	"fmt"

	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/grid"
	"github.com/xiaonanln/godor/engine/gwlog"
)

// CollisionTraverser collects the collider nodes of a zone
type CollisionTraverser struct {
	Name        string
	FluidPusher bool
	colliders   map[*grid.Node]struct{}
}

// AddCollider registers a collider node
func (ct *CollisionTraverser) AddCollider(n *grid.Node) {
	ct.colliders[n] = struct{}{}
}

// RemoveCollider unregisters a collider node
func (ct *CollisionTraverser) RemoveCollider(n *grid.Node) {
	delete(ct.colliders, n)
}

// NumColliders returns the number of colliders
func (ct *CollisionTraverser) NumColliders() int {
	return len(ct.colliders)
}

// ClearColliders drops every collider
func (ct *CollisionTraverser) ClearColliders() {
	ct.colliders = map[*grid.Node]struct{}{}
}

// ParentManager maps parent tokens to nodes so objects can request a reparent by token
type ParentManager struct {
	parents map[uint32]*grid.Node
}

// RegisterParent binds token to node
func (pm *ParentManager) RegisterParent(token uint32, node *grid.Node) {
	if old, ok := pm.parents[token]; ok && old != node {
		gwlog.Warnf("ParentManager: token %d re-registered from %s to %s", token, old, node)
	}
	pm.parents[token] = node
}

// UnregisterParent removes token
func (pm *ParentManager) UnregisterParent(token uint32) {
	delete(pm.parents, token)
}

// RequestReparent puts child under the node registered for token
func (pm *ParentManager) RequestReparent(child *grid.Node, token uint32) bool {
	p, ok := pm.parents[token]
	if !ok {
		gwlog.Warnf("ParentManager: unknown parent token %d", token)
		return false
	}
	child.WrtReparentTo(p)
	return true
}

// ZoneData is the scratch state of one zone
type ZoneData struct {
	Location  common.Location
	SceneRoot *grid.Node
	Collision *CollisionTraverser
	ParentMgr *ParentManager
	destroyed bool
}

func newZoneData(loc common.Location, wantFluidPusher bool) *ZoneData {
	name := fmt.Sprintf("zone-%d-%d", loc.ParentID, loc.ZoneID)
	return &ZoneData{
		Location:  loc,
		SceneRoot: grid.NewNode(name),
		Collision: &CollisionTraverser{
			Name:        name,
			FluidPusher: wantFluidPusher,
			colliders:   map[*grid.Node]struct{}{},
		},
		ParentMgr: &ParentManager{parents: map[uint32]*grid.Node{}},
	}
}

// IsDestroyed returns whether the last reference was released
func (zd *ZoneData) IsDestroyed() bool {
	return zd.destroyed
}

func (zd *ZoneData) destroy() {
	zd.SceneRoot.RemoveNode()
	zd.Collision.ClearColliders()
	zd.ParentMgr.parents = map[uint32]*grid.Node{}
	zd.destroyed = true
}

type entry struct {
	data *ZoneData
	refs int
}

// Cache holds the zone data of every zone some object refers to
type Cache struct {
	zones           map[common.Location]*entry
	wantFluidPusher bool
}

// NewCache creates a cache. wantFluidPusher selects the fluid collision pusher.
func NewCache(wantFluidPusher bool) *Cache {
	return &Cache{
		zones:           map[common.Location]*entry{},
		wantFluidPusher: wantFluidPusher,
	}
}

// Len returns the number of live zones
func (c *Cache) Len() int {
	return len(c.zones)
}

// RefCount returns the number of outstanding handles for loc
func (c *Cache) RefCount(loc common.Location) int {
	if e, ok := c.zones[loc]; ok {
		return e.refs
	}
	return 0
}

// Get returns a handle to the zone data of loc, creating it on first use
func (c *Cache) Get(loc common.Location) *Handle {
	e, ok := c.zones[loc]
	if !ok {
		e = &entry{data: newZoneData(loc, c.wantFluidPusher)}
		c.zones[loc] = e
	}
	e.refs++
	return &Handle{cache: c, loc: loc, data: e.data}
}

func (c *Cache) release(loc common.Location) {
	e, ok := c.zones[loc]
	if !ok {
		gwlog.Errorf("zonedata: release of unknown zone %s", loc)
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.data.destroy()
		delete(c.zones, loc)
	}
}

// Handle is one reference to a zone's data. Release is effective at most once.
type Handle struct {
	cache    *Cache
	loc      common.Location
	data     *ZoneData
	released bool
}

// Data returns the zone data, nil after Release
func (h *Handle) Data() *ZoneData {
	if h.released {
		return nil
	}
	return h.data
}

// Location returns the zone of the handle
func (h *Handle) Location() common.Location {
	return h.loc
}

// Release drops the reference
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.cache.release(h.loc)
}
