package dc

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	trie_tst "github.com/xiaonanln/go-trie-tst"
	"github.com/xiaonanln/godor/engine/gwlog"
	"github.com/xiaonanln/godor/engine/netutil"
	"github.com/xiaonanln/typeconv"
)

var registeredTypes trie_tst.TST

// ClassType is a Go type registered as the implementation of a DC symbol
type ClassType struct {
	Symbol  string
	Type    reflect.Type // struct type, instances are *Type
	methods map[string]reflect.Method
}

func (ct *ClassType) String() string {
	return fmt.Sprintf("ClassType<%s => %s>", ct.Symbol, ct.Type.Name())
}

// New allocates a zero instance and returns a pointer to it
func (ct *ClassType) New() reflect.Value {
	return reflect.New(ct.Type)
}

// RegisterClass registers the implementation of a DC symbol, such as
// "DistributedAvatar", "DistributedAvatarAI" or "DistributedAvatarOV".
// proto is a pointer to (or value of) the implementing struct.
func RegisterClass(symbol string, proto interface{}) *ClassType {
	node := registeredTypes.Sub(symbol)
	if node.Val != nil {
		gwlog.Panicf("RegisterClass: %s already registered", symbol)
	}

	typ := reflect.TypeOf(proto)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		gwlog.Panicf("RegisterClass: %s must be a struct, not %s", symbol, typ)
	}

	ct := &ClassType{
		Symbol:  symbol,
		Type:    typ,
		methods: map[string]reflect.Method{},
	}
	ptrType := reflect.PtrTo(typ)
	for i := 0; i < ptrType.NumMethod(); i++ {
		m := ptrType.Method(i)
		ct.methods[m.Name] = m
	}
	node.Val = ct
	gwlog.Infof(">>> RegisterClass %s => %s <<<", symbol, typ.Name())
	return ct
}

// GetClassType returns the registered type of symbol, or nil
func GetClassType(symbol string) *ClassType {
	if v := registeredTypes.Sub(symbol).Val; v != nil {
		return v.(*ClassType)
	}
	return nil
}

// goMethodName maps a DC field name to the Go method applying it: setName => SetName
func goMethodName(fieldName string) string {
	if fieldName == "" {
		return ""
	}
	r := []rune(fieldName)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// goGetterName maps a setter field to its getter: setName => GetName
func goGetterName(fieldName string) string {
	if strings.HasPrefix(fieldName, "set") && len(fieldName) > 3 {
		return "Get" + goMethodName(fieldName[3:])
	}
	return ""
}

// FieldHandler applies decoded field values to instances of one ClassType.
// Setter or Getter are nil when the Go type does not define them.
type FieldHandler struct {
	Field  *Field
	Setter *reflect.Method
	Getter *reflect.Method
}

func newFieldHandler(ct *ClassType, f *Field) (*FieldHandler, error) {
	h := &FieldHandler{Field: f}
	if m, ok := ct.methods[goMethodName(f.Name)]; ok {
		if m.Type.NumIn()-1 != f.NumArgs() {
			return nil, errors.Errorf("%s.%s takes %d arguments but field %s has %d",
				ct.Type.Name(), m.Name, m.Type.NumIn()-1, f, f.NumArgs())
		}
		h.Setter = &m
	}
	if name := goGetterName(f.Name); name != "" {
		if m, ok := ct.methods[name]; ok && m.Type.NumIn() == 1 && m.Type.NumOut() == f.NumArgs() {
			h.Getter = &m
		}
	}
	return h, nil
}

func buildHandlers(ct *ClassType, c *DClass) (map[uint16]*FieldHandler, error) {
	handlers := make(map[uint16]*FieldHandler, len(c.Fields))
	for _, f := range c.Fields {
		h, err := newFieldHandler(ct, f)
		if err != nil {
			return nil, err
		}
		handlers[f.Number] = h
	}
	return handlers, nil
}

// Apply calls the setter on obj (a pointer to the registered struct) with value.
// It returns false when the type has no setter for the field.
func (h *FieldHandler) Apply(obj reflect.Value, value interface{}) (applied bool, err error) {
	if h.Setter == nil {
		return false, nil
	}
	args := h.Field.UnpackArgs(value)
	methodType := h.Setter.Type
	in := make([]reflect.Value, len(args)+1)
	in[0] = obj

	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(netutil.ErrTypeMismatch, "%s: %v", h.Field, r)
			applied = false
		}
	}()
	for i, arg := range args {
		argType := methodType.In(i + 1)
		if arg == nil {
			in[i+1] = reflect.Zero(argType)
		} else if reflect.TypeOf(arg).AssignableTo(argType) {
			in[i+1] = reflect.ValueOf(arg)
		} else {
			in[i+1] = typeconv.Convert(arg, argType)
		}
	}
	h.Setter.Func.Call(in)
	return true, nil
}

// Get calls the getter on obj and returns the field value
func (h *FieldHandler) Get(obj reflect.Value) (interface{}, bool) {
	if h.Getter == nil {
		return nil, false
	}
	out := h.Getter.Func.Call([]reflect.Value{obj})
	if len(out) == 1 {
		return out[0].Interface(), true
	}
	tuple := make([]interface{}, len(out))
	for i, v := range out {
		tuple[i] = v.Interface()
	}
	return tuple, true
}
