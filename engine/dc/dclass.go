// Package dc holds the catalog of replicated classes loaded from DC files.
//
// A Registry is immutable once Load returns. Every participant builds its own
// registry for its role; the registry hash must match across participants.
package dc

import (
	"fmt"
	"strings"

	"github.com/xiaonanln/godor/engine/netutil"
)

// Flags are the keywords attached to a field
type Flags uint16

const (
	FlagRequired Flags = 1 << iota
	FlagBroadcast
	FlagRAM
	FlagDB
	FlagOwnSend
	FlagOwnRecv
	FlagClSend
	FlagAIRecv
)

var flagNames = []struct {
	name string
	flag Flags
}{
	{"required", FlagRequired},
	{"broadcast", FlagBroadcast},
	{"ram", FlagRAM},
	{"db", FlagDB},
	{"ownsend", FlagOwnSend},
	{"ownrecv", FlagOwnRecv},
	{"clsend", FlagClSend},
	{"airecv", FlagAIRecv},
}

func parseFlags(s string) (Flags, error) {
	var flags Flags
	for _, word := range strings.Fields(s) {
		found := false
		for _, fn := range flagNames {
			if fn.name == word {
				flags |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown field flag %q", word)
		}
	}
	return flags, nil
}

func (f Flags) String() string {
	var words []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			words = append(words, fn.name)
		}
	}
	return strings.Join(words, " ")
}

// Field is one replicated field of a class
type Field struct {
	Number     uint16
	Name       string
	Type       *netutil.FieldType
	Flags      Flags
	Default    interface{}
	HasDefault bool
	Class      *DClass // declaring class
}

func (f *Field) String() string {
	return fmt.Sprintf("%s.%s#%d", f.Class.Name, f.Name, f.Number)
}

// IsRequired returns whether the field is delivered with generates
func (f *Field) IsRequired() bool { return f.Flags&FlagRequired != 0 }

// IsBroadcast returns whether updates go to every observer
func (f *Field) IsBroadcast() bool { return f.Flags&FlagBroadcast != 0 }

// IsRAM returns whether the server keeps the last value
func (f *Field) IsRAM() bool { return f.Flags&FlagRAM != 0 }

// IsDB returns whether the field is persisted
func (f *Field) IsDB() bool { return f.Flags&FlagDB != 0 }

// IsOwnRecv returns whether the owner view receives updates
func (f *Field) IsOwnRecv() bool { return f.Flags&FlagOwnRecv != 0 }

// IsOwnSend returns whether the owner may send the field
func (f *Field) IsOwnSend() bool { return f.Flags&FlagOwnSend != 0 }

// IsClSend returns whether any client may send the field
func (f *Field) IsClSend() bool { return f.Flags&FlagClSend != 0 }

// IsAIRecv returns whether the AI receives client-sent updates
func (f *Field) IsAIRecv() bool { return f.Flags&FlagAIRecv != 0 }

// NumArgs returns how many method arguments the field maps to
func (f *Field) NumArgs() int {
	if f.Type.Kind == netutil.KindTuple {
		return len(f.Type.Fields)
	}
	return 1
}

// PackArgs turns method arguments into the field value
func (f *Field) PackArgs(args []interface{}) (interface{}, error) {
	if len(args) != f.NumArgs() {
		return nil, fmt.Errorf("%s takes %d arguments, %d given", f, f.NumArgs(), len(args))
	}
	if f.Type.Kind == netutil.KindTuple {
		return args, nil
	}
	return args[0], nil
}

// UnpackArgs turns a decoded field value into method arguments
func (f *Field) UnpackArgs(value interface{}) []interface{} {
	if f.Type.Kind == netutil.KindTuple {
		if tuple, ok := value.([]interface{}); ok {
			return tuple
		}
	}
	return []interface{}{value}
}

// DClass is the schema of one replicated class
type DClass struct {
	Number     int // -1 for server-only classes
	Name       string
	Parents    []*DClass
	Fields     []*Field // inherited fields first, then own fields
	ownFields  []*Field
	byName     map[string]*Field
	byNumber   map[uint16]*Field
	ServerOnly bool

	Symbol        string     // resolved symbol for the registry role, empty if undefined
	Type          *ClassType // implementing type, nil if undefined on this participant
	OwnerType     *ClassType // owner-view type, nil unless the OV tag resolved
	handlers      map[uint16]*FieldHandler
	ownerHandlers map[uint16]*FieldHandler
}

func (c *DClass) String() string {
	return fmt.Sprintf("DClass<%s#%d>", c.Name, c.Number)
}

// FieldByName returns the named field, inherited fields included
func (c *DClass) FieldByName(name string) *Field {
	return c.byName[name]
}

// FieldByNumber returns the field if it belongs to the class
func (c *DClass) FieldByNumber(num uint16) *Field {
	return c.byNumber[num]
}

// OwnFields returns fields declared by the class itself
func (c *DClass) OwnFields() []*Field {
	return c.ownFields
}

// RequiredFields returns required fields in class order
func (c *DClass) RequiredFields() []*Field {
	var res []*Field
	for _, f := range c.Fields {
		if f.IsRequired() {
			res = append(res, f)
		}
	}
	return res
}

// IsDefined returns whether this participant can instantiate the class
func (c *DClass) IsDefined() bool {
	return c.Type != nil
}

// Inherits returns whether the class is name or derives from it
func (c *DClass) Inherits(name string) bool {
	if c.Name == name {
		return true
	}
	for _, p := range c.Parents {
		if p.Inherits(name) {
			return true
		}
	}
	return false
}

// Handler returns the load-time dispatch entry of a field
func (c *DClass) Handler(num uint16) *FieldHandler {
	return c.handlers[num]
}

// OwnerHandler returns the dispatch entry of a field for the owner-view type
func (c *DClass) OwnerHandler(num uint16) *FieldHandler {
	return c.ownerHandlers[num]
}

func (c *DClass) addField(f *Field) error {
	if _, ok := c.byName[f.Name]; ok {
		return fmt.Errorf("%s: duplicate field %s", c.Name, f.Name)
	}
	c.Fields = append(c.Fields, f)
	c.byName[f.Name] = f
	c.byNumber[f.Number] = f
	return nil
}
