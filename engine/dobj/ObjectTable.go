package dobj

import (
	"github.com/petar/GoLLRB/llrb"
	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
)

type locationItem struct {
	loc  common.Location
	doID common.DoID
}

func (it *locationItem) Less(_other llrb.Item) bool {
	other := _other.(*locationItem)
	if it.loc.ParentID != other.loc.ParentID {
		return it.loc.ParentID < other.loc.ParentID
	}
	if it.loc.ZoneID != other.loc.ZoneID {
		return it.loc.ZoneID < other.loc.ZoneID
	}
	return it.doID < other.doID
}

// ObjectTable maps doIds to objects and keeps a (parent, zone, doId) ordered
// index of their locations. Both views are always updated together.
type ObjectTable struct {
	objects    map[common.DoID]*DistributedObject
	index      *llrb.LLRB
	DistrictID common.DoID
}

// NewObjectTable creates an empty table rooted at districtID
func NewObjectTable(districtID common.DoID) *ObjectTable {
	return &ObjectTable{
		objects:    map[common.DoID]*DistributedObject{},
		index:      llrb.New(),
		DistrictID: districtID,
	}
}

// Len returns the number of objects
func (ot *ObjectTable) Len() int {
	return len(ot.objects)
}

// Add puts obj in the table at its current location
func (ot *ObjectTable) Add(obj *DistributedObject) error {
	if _, ok := ot.objects[obj.DoID]; ok {
		return errors.Wrapf(ErrAlreadyGenerated, "doId %d already in table", obj.DoID)
	}
	ot.objects[obj.DoID] = obj
	ot.index.ReplaceOrInsert(&locationItem{obj.Location(), obj.DoID})
	return nil
}

// Remove takes the object out of the table and returns it
func (ot *ObjectTable) Remove(doID common.DoID) *DistributedObject {
	obj, ok := ot.objects[doID]
	if !ok {
		return nil
	}
	delete(ot.objects, doID)
	ot.index.Delete(&locationItem{obj.Location(), doID})
	return obj
}

// Get returns the object or nil
func (ot *ObjectTable) Get(doID common.DoID) *DistributedObject {
	return ot.objects[doID]
}

// SetLocation moves obj to loc and re-indexes it. It returns false when obj
// was already there.
func (ot *ObjectTable) SetLocation(obj *DistributedObject, loc common.Location) bool {
	old := obj.Location()
	if old == loc {
		return false
	}
	if ot.objects[obj.DoID] == obj {
		ot.index.Delete(&locationItem{old, obj.DoID})
		ot.index.ReplaceOrInsert(&locationItem{loc, obj.DoID})
	}
	obj.ParentID, obj.ZoneID = loc.ParentID, loc.ZoneID
	return true
}

// IterByLocation calls f for each object in loc in doId order until f returns false
func (ot *ObjectTable) IterByLocation(loc common.Location, f func(obj *DistributedObject) bool) {
	ot.index.AscendGreaterOrEqual(&locationItem{loc, 0}, func(_item llrb.Item) bool {
		item := _item.(*locationItem)
		if item.loc != loc {
			return false
		}
		return f(ot.objects[item.doID])
	})
}

// IterByParent calls f for each object under parent, ordered by zone then doId
func (ot *ObjectTable) IterByParent(parent common.DoID, f func(obj *DistributedObject) bool) {
	ot.index.AscendGreaterOrEqual(&locationItem{common.Location{ParentID: parent}, 0}, func(_item llrb.Item) bool {
		item := _item.(*locationItem)
		if item.loc.ParentID != parent {
			return false
		}
		return f(ot.objects[item.doID])
	})
}

// ObjectsInLocation returns the doIds in loc
func (ot *ObjectTable) ObjectsInLocation(loc common.Location) []common.DoID {
	var ids []common.DoID
	ot.IterByLocation(loc, func(obj *DistributedObject) bool {
		ids = append(ids, obj.DoID)
		return true
	})
	return ids
}

// ObjectsInZones returns objects under parent in any of zones
func (ot *ObjectTable) ObjectsInZones(parent common.DoID, zones []common.ZoneID) []*DistributedObject {
	var objs []*DistributedObject
	for _, z := range common.CanonicalZones(zones) {
		ot.IterByLocation(common.Location{ParentID: parent, ZoneID: z}, func(obj *DistributedObject) bool {
			objs = append(objs, obj)
			return true
		})
	}
	return objs
}

// All returns every object, in no particular order
func (ot *ObjectTable) All() []*DistributedObject {
	objs := make([]*DistributedObject, 0, len(ot.objects))
	for _, obj := range ot.objects {
		objs = append(objs, obj)
	}
	return objs
}

// CheckConsistency verifies that the map and the location index agree
func (ot *ObjectTable) CheckConsistency() error {
	if ot.index.Len() != len(ot.objects) {
		return errors.Errorf("index has %d entries, table has %d objects", ot.index.Len(), len(ot.objects))
	}
	for id, obj := range ot.objects {
		if obj.DoID != id {
			return errors.Errorf("object %s stored under doId %d", obj, id)
		}
		if !ot.index.Has(&locationItem{obj.Location(), id}) {
			return errors.Errorf("object %s missing from index at %s", obj, obj.Location())
		}
	}
	return nil
}
