package netutil

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the wire kind of a field type
type Kind int

const (
	KindInvalid Kind = iota
	KindBool
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindBlob
	KindArray
	KindTuple
)

var kindNames = map[string]Kind{
	"bool":    KindBool,
	"uint8":   KindUint8,
	"uint16":  KindUint16,
	"uint32":  KindUint32,
	"uint64":  KindUint64,
	"int8":    KindInt8,
	"int16":   KindInt16,
	"int32":   KindInt32,
	"int64":   KindInt64,
	"float32": KindFloat32,
	"float64": KindFloat64,
	"string":  KindString,
	"blob":    KindBlob,
}

var (
	typeBool    = reflect.TypeOf(false)
	typeUint8   = reflect.TypeOf(uint8(0))
	typeUint16  = reflect.TypeOf(uint16(0))
	typeUint32  = reflect.TypeOf(uint32(0))
	typeUint64  = reflect.TypeOf(uint64(0))
	typeInt8    = reflect.TypeOf(int8(0))
	typeInt16   = reflect.TypeOf(int16(0))
	typeInt32   = reflect.TypeOf(int32(0))
	typeInt64   = reflect.TypeOf(int64(0))
	typeFloat32 = reflect.TypeOf(float32(0))
	typeFloat64 = reflect.TypeOf(float64(0))
	typeString  = reflect.TypeOf("")
	typeBlob    = reflect.TypeOf([]byte(nil))
	typeTuple   = reflect.TypeOf([]interface{}(nil))
)

// FieldType describes the wire signature of a field value.
//
// Arrays with Size 0 are variable length and carry a u16 count prefix.
// Tuples decode to []interface{}; arrays decode to typed slices.
type FieldType struct {
	Kind   Kind
	Elem   *FieldType   // element type of KindArray
	Size   int          // fixed element count of KindArray, 0 for variable
	Fields []*FieldType // members of KindTuple
}

// ScalarType returns the FieldType of a scalar kind
func ScalarType(kind Kind) *FieldType {
	return &FieldType{Kind: kind}
}

// ArrayOf returns a variable length array of elem
func ArrayOf(elem *FieldType) *FieldType {
	return &FieldType{Kind: KindArray, Elem: elem}
}

// TupleOf returns a tuple of fields
func TupleOf(fields ...*FieldType) *FieldType {
	return &FieldType{Kind: KindTuple, Fields: fields}
}

func (ft *FieldType) String() string {
	switch ft.Kind {
	case KindArray:
		if ft.Size > 0 {
			return fmt.Sprintf("%s[%d]", ft.Elem, ft.Size)
		}
		return ft.Elem.String() + "[]"
	case KindTuple:
		parts := make([]string, len(ft.Fields))
		for i, f := range ft.Fields {
			parts[i] = f.String()
		}
		return "(" + strings.Join(parts, ",") + ")"
	}
	for name, k := range kindNames {
		if k == ft.Kind {
			return name
		}
	}
	return "invalid"
}

// GoType returns the Go type produced by Read
func (ft *FieldType) GoType() reflect.Type {
	switch ft.Kind {
	case KindBool:
		return typeBool
	case KindUint8:
		return typeUint8
	case KindUint16:
		return typeUint16
	case KindUint32:
		return typeUint32
	case KindUint64:
		return typeUint64
	case KindInt8:
		return typeInt8
	case KindInt16:
		return typeInt16
	case KindInt32:
		return typeInt32
	case KindInt64:
		return typeInt64
	case KindFloat32:
		return typeFloat32
	case KindFloat64:
		return typeFloat64
	case KindString:
		return typeString
	case KindBlob:
		return typeBlob
	case KindArray:
		return reflect.SliceOf(ft.Elem.GoType())
	case KindTuple:
		return typeTuple
	}
	return nil
}

// ParseFieldType parses a signature like "uint32[]", "(uint16,string,uint32[])[]" or "uint8[4]".
// Names found in typedefs are expanded.
func ParseFieldType(sig string, typedefs map[string]*FieldType) (*FieldType, error) {
	p := &typeParser{s: strings.TrimSpace(sig), typedefs: typedefs}
	ft, err := p.parseType()
	if err != nil {
		return nil, err
	}
	p.skipSpaces()
	if p.pos != len(p.s) {
		return nil, errors.Errorf("unexpected %q at offset %d in type %q", p.s[p.pos:], p.pos, sig)
	}
	return ft, nil
}

type typeParser struct {
	s        string
	pos      int
	typedefs map[string]*FieldType
}

func (p *typeParser) skipSpaces() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *typeParser) parseType() (*FieldType, error) {
	p.skipSpaces()
	var base *FieldType
	if p.pos < len(p.s) && p.s[p.pos] == '(' {
		p.pos++
		tuple := &FieldType{Kind: KindTuple}
		for {
			f, err := p.parseType()
			if err != nil {
				return nil, err
			}
			tuple.Fields = append(tuple.Fields, f)
			p.skipSpaces()
			if p.pos >= len(p.s) {
				return nil, errors.Errorf("unterminated tuple in %q", p.s)
			}
			if p.s[p.pos] == ',' {
				p.pos++
				continue
			}
			if p.s[p.pos] == ')' {
				p.pos++
				break
			}
			return nil, errors.Errorf("unexpected %q in tuple %q", p.s[p.pos], p.s)
		}
		base = tuple
	} else {
		start := p.pos
		for p.pos < len(p.s) && isIdentChar(p.s[p.pos]) {
			p.pos++
		}
		name := p.s[start:p.pos]
		if name == "" {
			return nil, errors.Errorf("missing type name at offset %d in %q", start, p.s)
		}
		if kind, ok := kindNames[name]; ok {
			base = ScalarType(kind)
		} else if td, ok := p.typedefs[name]; ok {
			base = td
		} else {
			return nil, errors.Errorf("undefined type %q", name)
		}
	}

	for {
		p.skipSpaces()
		if p.pos >= len(p.s) || p.s[p.pos] != '[' {
			return base, nil
		}
		p.pos++
		start := p.pos
		for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
			p.pos++
		}
		size := 0
		if p.pos > start {
			size, _ = strconv.Atoi(p.s[start:p.pos])
			if size <= 0 || size > _MAX_VAR_LENGTH {
				return nil, errors.Errorf("bad array size in %q", p.s)
			}
		}
		if p.pos >= len(p.s) || p.s[p.pos] != ']' {
			return nil, errors.Errorf("unterminated array in %q", p.s)
		}
		p.pos++
		base = &FieldType{Kind: KindArray, Elem: base, Size: size}
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func mismatch(ft *FieldType, v interface{}) error {
	return errors.Wrapf(ErrTypeMismatch, "%T value %v for %s", v, v, ft)
}

// Append encodes v according to the field type
func (ft *FieldType) Append(dg *Datagram, v interface{}) error {
	return ft.appendValue(dg, reflect.ValueOf(v))
}

func (ft *FieldType) appendValue(dg *Datagram, rv reflect.Value) error {
	for rv.IsValid() && rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return errors.Wrapf(ErrTypeMismatch, "nil value for %s", ft)
	}

	switch ft.Kind {
	case KindBool:
		if rv.Kind() != reflect.Bool {
			return mismatch(ft, rv.Interface())
		}
		dg.AppendBool(rv.Bool())
	case KindUint8, KindUint16, KindUint32, KindUint64:
		u, ok := toUint(rv, ft.bits())
		if !ok {
			return mismatch(ft, rv.Interface())
		}
		switch ft.Kind {
		case KindUint8:
			dg.AppendUint8(uint8(u))
		case KindUint16:
			dg.AppendUint16(uint16(u))
		case KindUint32:
			dg.AppendUint32(uint32(u))
		default:
			dg.AppendUint64(u)
		}
	case KindInt8, KindInt16, KindInt32, KindInt64:
		i, ok := toInt(rv, ft.bits())
		if !ok {
			return mismatch(ft, rv.Interface())
		}
		switch ft.Kind {
		case KindInt8:
			dg.AppendInt8(int8(i))
		case KindInt16:
			dg.AppendInt16(int16(i))
		case KindInt32:
			dg.AppendInt32(int32(i))
		default:
			dg.AppendInt64(i)
		}
	case KindFloat32, KindFloat64:
		var f float64
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			f = rv.Float()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f = float64(rv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			f = float64(rv.Uint())
		default:
			return mismatch(ft, rv.Interface())
		}
		if ft.Kind == KindFloat32 {
			dg.AppendFloat32(float32(f))
		} else {
			dg.AppendFloat64(f)
		}
	case KindString:
		if rv.Kind() != reflect.String {
			return mismatch(ft, rv.Interface())
		}
		return dg.AppendString(rv.String())
	case KindBlob:
		if rv.Kind() == reflect.String {
			return dg.AppendBlob([]byte(rv.String()))
		}
		if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() != reflect.Uint8 {
			return mismatch(ft, rv.Interface())
		}
		return dg.AppendBlob(rv.Bytes())
	case KindArray:
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return mismatch(ft, rv.Interface())
		}
		n := rv.Len()
		if ft.Size > 0 {
			if n != ft.Size {
				return errors.Wrapf(ErrTypeMismatch, "%d items for %s", n, ft)
			}
		} else {
			if n > _MAX_VAR_LENGTH {
				return errors.Wrapf(ErrTypeMismatch, "%d items for %s", n, ft)
			}
			dg.AppendUint16(uint16(n))
		}
		for i := 0; i < n; i++ {
			if err := ft.Elem.appendValue(dg, rv.Index(i)); err != nil {
				return err
			}
		}
	case KindTuple:
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			if rv.Len() != len(ft.Fields) {
				return errors.Wrapf(ErrTypeMismatch, "%d members for %s", rv.Len(), ft)
			}
			for i, f := range ft.Fields {
				if err := f.appendValue(dg, rv.Index(i)); err != nil {
					return err
				}
			}
		case reflect.Struct:
			if rv.NumField() != len(ft.Fields) {
				return errors.Wrapf(ErrTypeMismatch, "struct %s with %d fields for %s", rv.Type(), rv.NumField(), ft)
			}
			for i, f := range ft.Fields {
				if err := f.appendValue(dg, rv.Field(i)); err != nil {
					return err
				}
			}
		case reflect.Ptr:
			return ft.appendValue(dg, rv.Elem())
		default:
			return mismatch(ft, rv.Interface())
		}
	default:
		return errors.Wrapf(ErrTypeMismatch, "invalid field type")
	}
	return nil
}

func (ft *FieldType) bits() uint {
	switch ft.Kind {
	case KindUint8, KindInt8:
		return 8
	case KindUint16, KindInt16:
		return 16
	case KindUint32, KindInt32:
		return 32
	}
	return 64
}

func toUint(rv reflect.Value, bits uint) (uint64, bool) {
	var u uint64
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u = rv.Uint()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			return 0, false
		}
		u = uint64(i)
	case reflect.Bool:
		if rv.Bool() {
			u = 1
		}
	default:
		return 0, false
	}
	if bits < 64 && u > (uint64(1)<<bits)-1 {
		return 0, false
	}
	return u, true
}

func toInt(rv reflect.Value, bits uint) (int64, bool) {
	var i int64
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i = rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		i = int64(u)
	default:
		return 0, false
	}
	if bits < 64 {
		min := -(int64(1) << (bits - 1))
		max := (int64(1) << (bits - 1)) - 1
		if i < min || i > max {
			return 0, false
		}
	}
	return i, true
}

// Read decodes one value of the field type. Failures are reported by di.Err().
func (ft *FieldType) Read(di *DatagramIterator) interface{} {
	return ft.readValue(di).Interface()
}

func (ft *FieldType) readValue(di *DatagramIterator) reflect.Value {
	switch ft.Kind {
	case KindBool:
		return reflect.ValueOf(di.ReadBool())
	case KindUint8:
		return reflect.ValueOf(di.ReadUint8())
	case KindUint16:
		return reflect.ValueOf(di.ReadUint16())
	case KindUint32:
		return reflect.ValueOf(di.ReadUint32())
	case KindUint64:
		return reflect.ValueOf(di.ReadUint64())
	case KindInt8:
		return reflect.ValueOf(di.ReadInt8())
	case KindInt16:
		return reflect.ValueOf(di.ReadInt16())
	case KindInt32:
		return reflect.ValueOf(di.ReadInt32())
	case KindInt64:
		return reflect.ValueOf(di.ReadInt64())
	case KindFloat32:
		return reflect.ValueOf(di.ReadFloat32())
	case KindFloat64:
		return reflect.ValueOf(di.ReadFloat64())
	case KindString:
		return reflect.ValueOf(di.ReadString())
	case KindBlob:
		b := di.ReadBlob()
		if b == nil {
			b = []byte{}
		}
		return reflect.ValueOf(b)
	case KindArray:
		n := ft.Size
		if n == 0 {
			n = int(di.ReadUint16())
		}
		if di.Err() != nil || n > di.Remaining() {
			// every element takes at least one byte
			di.SetErr(errors.Wrapf(ErrTruncated, "%d items of %s at offset %d", n, ft.Elem, di.Pos()))
			return reflect.MakeSlice(ft.GoType(), 0, 0)
		}
		slice := reflect.MakeSlice(ft.GoType(), n, n)
		for i := 0; i < n; i++ {
			v := ft.Elem.readValue(di)
			if di.Err() != nil {
				return reflect.MakeSlice(ft.GoType(), 0, 0)
			}
			slice.Index(i).Set(v)
		}
		return slice
	case KindTuple:
		res := make([]interface{}, len(ft.Fields))
		for i, f := range ft.Fields {
			res[i] = f.Read(di)
		}
		return reflect.ValueOf(res)
	}
	di.SetErr(errors.Wrapf(ErrTypeMismatch, "invalid field type"))
	return reflect.Zero(typeTuple)
}

// ParseLiteral parses a default value literal for the field type.
// Numbers, quoted strings, [a, b] arrays and (a, b) tuples are accepted.
func (ft *FieldType) ParseLiteral(lit string) (interface{}, error) {
	lp := &literalParser{s: strings.TrimSpace(lit)}
	v, err := lp.parse(ft)
	if err != nil {
		return nil, errors.Wrapf(err, "literal %q for %s", lit, ft)
	}
	lp.skipSpaces()
	if lp.pos != len(lp.s) {
		return nil, errors.Errorf("trailing %q in literal %q", lp.s[lp.pos:], lit)
	}
	return v, nil
}

type literalParser struct {
	s   string
	pos int
}

func (lp *literalParser) skipSpaces() {
	for lp.pos < len(lp.s) && (lp.s[lp.pos] == ' ' || lp.s[lp.pos] == '\t') {
		lp.pos++
	}
}

func (lp *literalParser) expect(c byte) error {
	lp.skipSpaces()
	if lp.pos >= len(lp.s) || lp.s[lp.pos] != c {
		return errors.Errorf("expected %q at offset %d", c, lp.pos)
	}
	lp.pos++
	return nil
}

func (lp *literalParser) peek() byte {
	lp.skipSpaces()
	if lp.pos >= len(lp.s) {
		return 0
	}
	return lp.s[lp.pos]
}

func (lp *literalParser) token() string {
	lp.skipSpaces()
	start := lp.pos
	for lp.pos < len(lp.s) && !strings.ContainsRune(",)] \t", rune(lp.s[lp.pos])) {
		lp.pos++
	}
	return lp.s[start:lp.pos]
}

func (lp *literalParser) parse(ft *FieldType) (interface{}, error) {
	switch ft.Kind {
	case KindString, KindBlob:
		if lp.peek() != '"' {
			return nil, errors.Errorf("expected quoted string at offset %d", lp.pos)
		}
		start := lp.pos
		lp.pos++
		for lp.pos < len(lp.s) && lp.s[lp.pos] != '"' {
			if lp.s[lp.pos] == '\\' {
				lp.pos++
			}
			lp.pos++
		}
		if lp.pos >= len(lp.s) {
			return nil, errors.Errorf("unterminated string")
		}
		lp.pos++
		s, err := strconv.Unquote(lp.s[start:lp.pos])
		if err != nil {
			return nil, err
		}
		if ft.Kind == KindBlob {
			return []byte(s), nil
		}
		return s, nil
	case KindArray:
		if err := lp.expect('['); err != nil {
			return nil, err
		}
		slice := reflect.MakeSlice(ft.GoType(), 0, 0)
		if lp.peek() == ']' {
			lp.pos++
		} else {
			for {
				v, err := lp.parse(ft.Elem)
				if err != nil {
					return nil, err
				}
				slice = reflect.Append(slice, reflect.ValueOf(v))
				if lp.peek() == ',' {
					lp.pos++
					continue
				}
				if err := lp.expect(']'); err != nil {
					return nil, err
				}
				break
			}
		}
		if ft.Size > 0 && slice.Len() != ft.Size {
			return nil, errors.Errorf("%d items for fixed size %d", slice.Len(), ft.Size)
		}
		return slice.Interface(), nil
	case KindTuple:
		if err := lp.expect('('); err != nil {
			return nil, err
		}
		res := make([]interface{}, len(ft.Fields))
		for i, f := range ft.Fields {
			if i > 0 {
				if err := lp.expect(','); err != nil {
					return nil, err
				}
			}
			v, err := lp.parse(f)
			if err != nil {
				return nil, err
			}
			res[i] = v
		}
		if err := lp.expect(')'); err != nil {
			return nil, err
		}
		return res, nil
	case KindBool:
		tok := lp.token()
		b, err := strconv.ParseBool(tok)
		return b, err
	case KindFloat32, KindFloat64:
		f, err := strconv.ParseFloat(lp.token(), int(ft.bits()))
		if err != nil {
			return nil, err
		}
		if ft.Kind == KindFloat32 {
			return float32(f), nil
		}
		return f, nil
	}

	tok := lp.token()
	// integers go through Append's range checks after parsing
	var rv reflect.Value
	if strings.HasPrefix(tok, "-") {
		i, err := strconv.ParseInt(tok, 0, 64)
		if err != nil {
			return nil, err
		}
		rv = reflect.ValueOf(i)
	} else {
		u, err := strconv.ParseUint(tok, 0, 64)
		if err != nil {
			return nil, err
		}
		rv = reflect.ValueOf(u)
	}
	dg := NewDatagram()
	if err := ft.appendValue(dg, rv); err != nil {
		return nil, err
	}
	return ft.Read(dg.Iterator()), nil
}
