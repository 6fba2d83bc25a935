package common

import "sort"

// StringSet is a set of strings
type StringSet map[string]struct{}

// Contains checks if Stringset contains the string
func (ss StringSet) Contains(elem string) bool {
	_, ok := ss[elem]
	return ok
}

// Add adds the string to StringSet
func (ss StringSet) Add(elem string) {
	ss[elem] = struct{}{}
}

// Remove removes the string from StringList
func (ss StringSet) Remove(elem string) {
	delete(ss, elem)
}

// ToList convert StringSet to string slice
func (ss StringSet) ToList() []string {
	keys := make([]string, 0, len(ss))
	for s := range ss {
		keys = append(keys, s)
	}
	return keys
}

// StringList is a list of string (slice)
type StringList []string

// Remove removes the string from StringList
func (sl *StringList) Remove(elem string) {
	widx := 0
	cpsl := *sl
	for idx, _elem := range cpsl {
		if _elem == elem {
			// ignore this elem by doing nothing
		} else {
			if idx != widx {
				cpsl[widx] = _elem
			}
			widx += 1
		}
	}

	*sl = cpsl[:widx]
}

// Append add the string to the end of StringList
func (sl *StringList) Append(elem string) {
	*sl = append(*sl, elem)
}

// Find get the index of string in StringList, returns -1 if not found
func (sl *StringList) Find(s string) int {
	for idx, elem := range *sl {
		if elem == s {
			return idx
		}
	}
	return -1
}

// DoIDSet is a set of object ids
type DoIDSet map[DoID]struct{}

// Add adds an id to DoIDSet
func (s DoIDSet) Add(id DoID) {
	s[id] = struct{}{}
}

// Del removes an id from DoIDSet
func (s DoIDSet) Del(id DoID) {
	delete(s, id)
}

// Contains checks if id is in DoIDSet
func (s DoIDSet) Contains(id DoID) bool {
	_, ok := s[id]
	return ok
}

// ToList returns the ids in ascending order
func (s DoIDSet) ToList() []DoID {
	list := make([]DoID, 0, len(s))
	for id := range s {
		list = append(list, id)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i] < list[j]
	})
	return list
}

// ZoneIDSet is a set of zones
type ZoneIDSet map[ZoneID]struct{}

// NewZoneIDSet creates a set from a zone list
func NewZoneIDSet(zones ...ZoneID) ZoneIDSet {
	s := make(ZoneIDSet, len(zones))
	for _, z := range zones {
		s[z] = struct{}{}
	}
	return s
}

// Add adds a zone
func (s ZoneIDSet) Add(z ZoneID) {
	s[z] = struct{}{}
}

// Contains checks if zone is in ZoneIDSet
func (s ZoneIDSet) Contains(z ZoneID) bool {
	_, ok := s[z]
	return ok
}

// Diff returns the zones in s that are not in other, ascending
func (s ZoneIDSet) Diff(other ZoneIDSet) []ZoneID {
	var res []ZoneID
	for z := range s {
		if !other.Contains(z) {
			res = append(res, z)
		}
	}
	return CanonicalZones(res)
}

// ToList returns the zones in ascending order
func (s ZoneIDSet) ToList() []ZoneID {
	list := make([]ZoneID, 0, len(s))
	for z := range s {
		list = append(list, z)
	}
	return CanonicalZones(list)
}
