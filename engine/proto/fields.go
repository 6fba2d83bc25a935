package proto

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/dc"
	"github.com/xiaonanln/godor/engine/netutil"
)

// FieldValue is one (field, value) pair of a field list
type FieldValue struct {
	Field *dc.Field
	Value interface{}
}

// AppendFieldList appends u16 count, (u16 fieldId, value)*
func AppendFieldList(dg *netutil.Datagram, values []FieldValue) error {
	if len(values) > 0xFFFF {
		return errors.Errorf("too many fields: %d", len(values))
	}
	dg.AppendUint16(uint16(len(values)))
	for _, fv := range values {
		dg.AppendUint16(fv.Field.Number)
		if err := fv.Field.Type.Append(dg, fv.Value); err != nil {
			return errors.Wrapf(err, "field %s", fv.Field)
		}
	}
	return nil
}

// ReadFieldList reads u16 count, (u16 fieldId, value)*. When cls is not nil
// every field must belong to it.
func ReadFieldList(di *netutil.DatagramIterator, reg *dc.Registry, cls *dc.DClass) ([]FieldValue, error) {
	n := int(di.ReadUint16())
	if di.Err() != nil {
		return nil, di.Err()
	}
	values := make([]FieldValue, 0, n)
	for i := 0; i < n; i++ {
		num := di.ReadUint16()
		if di.Err() != nil {
			return nil, di.Err()
		}
		var f *dc.Field
		if cls != nil {
			f = cls.FieldByNumber(num)
			if f == nil {
				return nil, errors.Wrapf(dc.ErrUnknownField, "field %d of %s", num, cls.Name)
			}
		} else {
			var err error
			if f, err = reg.FieldByNumber(num); err != nil {
				return nil, err
			}
		}
		v := f.Type.Read(di)
		if di.Err() != nil {
			return nil, errors.Wrapf(di.Err(), "field %s", f)
		}
		values = append(values, FieldValue{f, v})
	}
	return values, nil
}

// AppendRequired appends the required fields of cls in class order, without count
func AppendRequired(dg *netutil.Datagram, cls *dc.DClass, values map[uint16]interface{}) error {
	for _, f := range cls.RequiredFields() {
		v, ok := values[f.Number]
		if !ok {
			if !f.HasDefault {
				return errors.Errorf("required field %s has no value", f)
			}
			v = f.Default
		}
		if err := f.Type.Append(dg, v); err != nil {
			return errors.Wrapf(err, "field %s", f)
		}
	}
	return nil
}

// ReadRequired reads the required fields of cls in class order
func ReadRequired(di *netutil.DatagramIterator, cls *dc.DClass) ([]FieldValue, error) {
	required := cls.RequiredFields()
	values := make([]FieldValue, 0, len(required))
	for _, f := range required {
		v := f.Type.Read(di)
		if di.Err() != nil {
			return nil, errors.Wrapf(di.Err(), "required field %s", f)
		}
		values = append(values, FieldValue{f, v})
	}
	return values, nil
}
