package repository

import (
	"fmt"

	"github.com/xiaonanln/godor/engine/common"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/interest"
	"github.com/xiaonanln/godor/engine/messenger"
)

// Visibility keeps one interest open in the zones visible from the current
// zone of a level, and alters it as the current zone changes.
type Visibility struct {
	interests *interest.Manager
	bus       *messenger.Messenger
	parentID  common.DoID
	zoneVis   map[common.ZoneID][]common.ZoneID

	handle      uint16
	current     common.ZoneID
	hasCurrent  bool
	visible     common.ZoneIDSet
	locked      bool
	pending     common.ZoneID
	hasPending  bool
	completed   int
	eventSerial int
	lastEvent   string
}

// NewVisibility creates the visibility helper of the level under parentID.
// zoneVis lists the zones visible from each zone besides the zone itself.
func NewVisibility(im *interest.Manager, bus *messenger.Messenger, parentID common.DoID, zoneVis map[common.ZoneID][]common.ZoneID) *Visibility {
	return &Visibility{
		interests: im,
		bus:       bus,
		parentID:  parentID,
		zoneVis:   zoneVis,
		visible:   common.NewZoneIDSet(),
	}
}

func (v *Visibility) String() string {
	return fmt.Sprintf("Visibility<%d zone=%d>", v.parentID, v.current)
}

// VisibleZones returns the zones interest is open in
func (v *Visibility) VisibleZones() []common.ZoneID {
	return v.visible.ToList()
}

// Handle returns the interest handle, 0 before the first zone is set
func (v *Visibility) Handle() uint16 {
	return v.handle
}

// ZoneCompleteCount returns how many zone changes the server completed
func (v *Visibility) ZoneCompleteCount() int {
	return v.completed
}

// SetCurrentZone makes zone the current zone and returns the zones that became
// visible and the zones that are no longer visible. While visibility is
// locked the change is remembered and applied on unlock.
func (v *Visibility) SetCurrentZone(zone common.ZoneID) (added, removed []common.ZoneID) {
	if v.locked {
		v.pending = zone
		v.hasPending = true
		return nil, nil
	}
	if v.hasCurrent && v.current == zone {
		return nil, nil
	}
	next := common.NewZoneIDSet(zone)
	for _, z := range v.zoneVis[zone] {
		next.Add(z)
	}
	added = next.Diff(v.visible)
	removed = v.visible.Diff(next)
	v.current = zone
	v.hasCurrent = true
	v.visible = next

	if v.lastEvent != "" {
		v.bus.Ignore(v.lastEvent, v)
	}
	v.eventSerial++
	event := fmt.Sprintf("setZoneComplete-%d-%d", v.parentID, v.eventSerial)
	v.bus.AcceptOnce(event, v, func(args ...interface{}) {
		v.completed++
	})
	v.lastEvent = event
	zones := next.ToList()
	if v.handle == 0 {
		handle, err := v.interests.AddInterest(v.parentID, zones, "visibility", event)
		if err != nil {
			gwlog.Errorf("%s: open interest: %v", v, err)
			v.bus.Ignore(event, v)
			return added, removed
		}
		v.handle = handle
	} else if !v.interests.AlterInterest(v.handle, v.parentID, zones, "visibility", event) {
		v.bus.Ignore(event, v)
	}
	return added, removed
}

// LockVisibility defers zone changes until UnlockVisibility
func (v *Visibility) LockVisibility() {
	v.locked = true
}

// UnlockVisibility applies the zone set while locked, if any
func (v *Visibility) UnlockVisibility() {
	v.locked = false
	if v.hasPending {
		v.hasPending = false
		v.SetCurrentZone(v.pending)
	}
}

// Close removes the visibility interest
func (v *Visibility) Close() {
	if v.handle != 0 {
		v.interests.RemoveInterest(v.handle, "")
		v.handle = 0
	}
	v.bus.IgnoreAll(v)
	v.visible = common.NewZoneIDSet()
	v.hasCurrent = false
}
