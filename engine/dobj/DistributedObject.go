// Package dobj implements replicated objects, the object table and their
// generate / disable / delete lifecycle.
package dobj

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/zonedata"
)

var (
	// ErrUnknownObject is returned for doIds not in the object table
	ErrUnknownObject = errors.New("unknown object")
	// ErrAlreadyGenerated is returned when generating an object twice
	ErrAlreadyGenerated = errors.New("object already generated")
)

// IDistributedObject declares the lifecycle hooks of a replicated object.
// Implementing types embed DistributedObject and override what they need.
type IDistributedObject interface {
	OnGenerateInit()     // Called before the first generate only
	OnGenerate()         // Called for each generate, before required fields are applied
	OnAnnounceGenerate() // Called once after all required fields are applied
	OnDisable()          // Called when the object stops being visible
	OnDelete()           // Called when the object is torn down

	Base() *DistributedObject
}

// DistributedObject is the replicated part of every object
type DistributedObject struct {
	DoID     common.DoID
	ParentID common.DoID
	ZoneID   common.ZoneID
	DClass   *dc.DClass
	I        IDistributedObject
	V        reflect.Value
	IsOwner  bool // owner-view instance

	mgr              *Manager
	generateCount    int
	generateInitDone bool
	generated        bool
	disabled         bool
	deleted          bool
	requestedDelete  bool
	neverDisable     bool
	lastNonQuietZone common.ZoneID
	fields           map[uint16]interface{}
	zoneData         *zonedata.Handle
	barrierContexts  map[uint16]struct{}
}

func (obj *DistributedObject) String() string {
	if obj.DClass == nil {
		return fmt.Sprintf("DistributedObject<%d>", obj.DoID)
	}
	return fmt.Sprintf("%s<%d>", obj.DClass.Name, obj.DoID)
}

func (obj *DistributedObject) init(cls *dc.DClass, instance reflect.Value, mgr *Manager) {
	obj.DClass = cls
	obj.V = instance
	obj.I = instance.Interface().(IDistributedObject)
	obj.mgr = mgr
	obj.ParentID = common.InvalidDoID
	obj.ZoneID = common.InvalidZoneID
	obj.lastNonQuietZone = common.InvalidZoneID
	obj.fields = map[uint16]interface{}{}
	obj.barrierContexts = map[uint16]struct{}{}
}

// Default hooks

func (obj *DistributedObject) OnGenerateInit()     {}
func (obj *DistributedObject) OnGenerate()         {}
func (obj *DistributedObject) OnAnnounceGenerate() {}
func (obj *DistributedObject) OnDisable()          {}
func (obj *DistributedObject) OnDelete()           {}

// Base returns the embedded DistributedObject
func (obj *DistributedObject) Base() *DistributedObject {
	return obj
}

// Location returns the (parent, zone) of the object
func (obj *DistributedObject) Location() common.Location {
	return common.Location{ParentID: obj.ParentID, ZoneID: obj.ZoneID}
}

// LastNonQuietZone returns the most recent zone that was not the quiet zone
func (obj *DistributedObject) LastNonQuietZone() common.ZoneID {
	return obj.lastNonQuietZone
}

// IsGenerated returns whether announceGenerate ran and the object is not disabled
func (obj *DistributedObject) IsGenerated() bool {
	return obj.generated
}

// IsDisabled returns whether the object was disabled
func (obj *DistributedObject) IsDisabled() bool {
	return obj.disabled
}

// IsDeleted returns whether the object was torn down
func (obj *DistributedObject) IsDeleted() bool {
	return obj.deleted
}

// IsRequestedDelete returns whether a delete was requested from the server
func (obj *DistributedObject) IsRequestedDelete() bool {
	return obj.requestedDelete
}

// GenerateCount returns the number of outstanding generates
func (obj *DistributedObject) GenerateCount() int {
	return obj.generateCount
}

// SetNeverDisable keeps the object enabled through quiet-zone transitions
func (obj *DistributedObject) SetNeverDisable(neverDisable bool) {
	obj.neverDisable = neverDisable
}

// NeverDisable returns the never-disable flag
func (obj *DistributedObject) NeverDisable() bool {
	return obj.neverDisable
}

// FieldValue returns the last value applied to a field
func (obj *DistributedObject) FieldValue(name string) (interface{}, bool) {
	f := obj.DClass.FieldByName(name)
	if f == nil {
		return nil, false
	}
	v, ok := obj.fields[f.Number]
	return v, ok
}

// SetLocation moves the object locally. See Manager.SetLocation.
func (obj *DistributedObject) SetLocation(parentID common.DoID, zoneID common.ZoneID) {
	obj.mgr.SetLocation(obj, parentID, zoneID)
}

// SendLocation moves the object and tells the server
func (obj *DistributedObject) SendLocation(parentID common.DoID, zoneID common.ZoneID) error {
	return obj.mgr.SendLocation(obj, parentID, zoneID)
}

// SendUpdate sends a field update; dropped once the object is deleted
func (obj *DistributedObject) SendUpdate(fieldName string, args ...interface{}) error {
	return obj.mgr.SendUpdate(obj, fieldName, args...)
}

// RequestDelete asks the server to delete the object
func (obj *DistributedObject) RequestDelete() error {
	return obj.mgr.RequestDelete(obj)
}

// GetZoneData returns the scratch data of the object's zone, acquiring it on first use
func (obj *DistributedObject) GetZoneData() *zonedata.ZoneData {
	if obj.zoneData == nil {
		loc := obj.Location()
		if loc.IsNil() || obj.mgr.ZoneCache == nil {
			return nil
		}
		obj.zoneData = obj.mgr.ZoneCache.Get(loc)
	}
	return obj.zoneData.Data()
}

// ReleaseZoneData drops the object's reference on its zone data
func (obj *DistributedObject) ReleaseZoneData() {
	if obj.zoneData != nil {
		obj.zoneData.Release()
		obj.zoneData = nil
	}
}

// AddBarrierContext records a barrier the object is waiting on
func (obj *DistributedObject) AddBarrierContext(ctx uint16) {
	obj.barrierContexts[ctx] = struct{}{}
}

// RemoveBarrierContext forgets a barrier
func (obj *DistributedObject) RemoveBarrierContext(ctx uint16) bool {
	if _, ok := obj.barrierContexts[ctx]; !ok {
		return false
	}
	delete(obj.barrierContexts, ctx)
	return true
}

// HasBarrierContext reports whether the object waits on ctx
func (obj *DistributedObject) HasBarrierContext(ctx uint16) bool {
	_, ok := obj.barrierContexts[ctx]
	return ok
}

// Manager returns the lifecycle manager owning the object
func (obj *DistributedObject) Manager() *Manager {
	return obj.mgr
}

// GetFieldForSend returns the value to send for f: the getter result if the
// type defines one, else the last applied value, else the field default
func (obj *DistributedObject) GetFieldForSend(f *dc.Field) (interface{}, bool) {
	var h *dc.FieldHandler
	if obj.IsOwner {
		h = obj.DClass.OwnerHandler(f.Number)
	} else {
		h = obj.DClass.Handler(f.Number)
	}
	if h != nil {
		if v, ok := h.Get(obj.V); ok {
			return v, true
		}
	}
	if v, ok := obj.fields[f.Number]; ok {
		return v, true
	}
	if f.HasDefault {
		return f.Default, true
	}
	return nil, false
}

func (obj *DistributedObject) applyField(f *dc.Field, value interface{}) {
	obj.fields[f.Number] = value
	var h *dc.FieldHandler
	if obj.IsOwner {
		h = obj.DClass.OwnerHandler(f.Number)
	} else {
		h = obj.DClass.Handler(f.Number)
	}
	if h == nil {
		return
	}
	if _, err := h.Apply(obj.V, value); err != nil {
		gwlog.Errorf("%s: apply %s failed: %v", obj, f.Name, err)
	}
}
