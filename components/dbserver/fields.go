package dbserver

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/netutil"
)

// rawField is a field value kept in its wire encoding
type rawField struct {
	Field *dc.Field
	Data  []byte
}

// readRawFieldList reads u16 count, (u16 fieldId, value)* keeping each value
// as the bytes it was encoded with. When cls is not nil every field must belong to it.
func readRawFieldList(di *netutil.DatagramIterator, reg *dc.Registry, cls *dc.DClass) ([]rawField, error) {
	n := int(di.ReadUint16())
	if err := di.Err(); err != nil {
		return nil, err
	}
	fields := make([]rawField, 0, n)
	for i := 0; i < n; i++ {
		num := di.ReadUint16()
		if err := di.Err(); err != nil {
			return nil, err
		}
		var f *dc.Field
		if cls != nil {
			if f = cls.FieldByNumber(num); f == nil {
				return nil, errors.Wrapf(dc.ErrUnknownField, "field %d of %s", num, cls.Name)
			}
		} else {
			var err error
			if f, err = reg.FieldByNumber(num); err != nil {
				return nil, err
			}
		}
		start := di.RemainingBytes()
		f.Type.Read(di)
		if err := di.Err(); err != nil {
			return nil, errors.Wrapf(err, "field %s", f)
		}
		data := make([]byte, len(start)-di.Remaining())
		copy(data, start)
		fields = append(fields, rawField{f, data})
	}
	return fields, nil
}

// appendRawFieldList appends u16 count, (u16 fieldId, value)*
func appendRawFieldList(dg *netutil.Datagram, fields []rawField) {
	dg.AppendUint16(uint16(len(fields)))
	for _, rf := range fields {
		dg.AppendUint16(rf.Field.Number)
		dg.AppendBytes(rf.Data)
	}
}
