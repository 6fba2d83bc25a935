package common

import (
	"fmt"
	"sort"
)

// DoID is the 32-bit identifier of a distributed object
type DoID uint32

// ZoneID is a 32-bit zone tag scoped under a parent DoID
type ZoneID uint32

// ChannelID addresses a participant or object on the message bus
type ChannelID uint64

const (
	// InvalidDoID is used for both parent and zone when an object has no location
	InvalidDoID DoID = 0xFFFFFFFF
	// InvalidZoneID is the zone half of the nil location
	InvalidZoneID ZoneID = 0xFFFFFFFF
)

// IsValid returns if the DoID is usable as an object id
func (id DoID) IsValid() bool {
	return id != 0 && id != InvalidDoID
}

func (id DoID) String() string {
	return fmt.Sprintf("%d", uint32(id))
}

// Location is the (parent, zone) coordinate of an object
type Location struct {
	ParentID DoID
	ZoneID   ZoneID
}

// NilLocation means the object is not placed anywhere
var NilLocation = Location{InvalidDoID, InvalidZoneID}

// IsNil returns if the location is the "no location" marker
func (loc Location) IsNil() bool {
	return loc.ParentID == InvalidDoID && loc.ZoneID == InvalidZoneID
}

func (loc Location) String() string {
	if loc.IsNil() {
		return "(nil)"
	}
	return fmt.Sprintf("(%d, %d)", loc.ParentID, loc.ZoneID)
}

// CanonicalZones returns a sorted copy of zones with duplicates removed
func CanonicalZones(zones []ZoneID) []ZoneID {
	res := make([]ZoneID, len(zones))
	copy(res, zones)
	sort.Slice(res, func(i, j int) bool {
		return res[i] < res[j]
	})
	w := 0
	for i, z := range res {
		if i > 0 && z == res[w-1] {
			continue
		}
		res[w] = z
		w++
	}
	return res[:w]
}
