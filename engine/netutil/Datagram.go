package netutil

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

var (
	// NETWORK_ENDIAN is the byte order used on the wire
	NETWORK_ENDIAN binary.ByteOrder = binary.BigEndian

	// ErrTruncated means the datagram ended before the expected field
	ErrTruncated = errors.New("datagram truncated")
	// ErrTypeMismatch means a value does not match the expected field signature
	ErrTypeMismatch = errors.New("datagram type mismatch")
)

const (
	_MIN_DATAGRAM_CAP = 64
	_MAX_VAR_LENGTH   = math.MaxUint16
)

// Datagram is a growable buffer of wire-encoded values.
// Strings, blobs and variable arrays carry a u16 length prefix.
type Datagram struct {
	order binary.ByteOrder
	buf   []byte
}

// NewDatagram creates an empty datagram in network byte order
func NewDatagram() *Datagram {
	return NewDatagramWithOrder(NETWORK_ENDIAN)
}

// NewDatagramWithOrder creates an empty datagram using the given byte order
func NewDatagramWithOrder(order binary.ByteOrder) *Datagram {
	return &Datagram{
		order: order,
		buf:   make([]byte, 0, _MIN_DATAGRAM_CAP),
	}
}

// NewMessage creates a datagram starting with a u16 message type
func NewMessage(msgType uint16) *Datagram {
	dg := NewDatagram()
	dg.AppendUint16(msgType)
	return dg
}

// Order returns the byte order of the datagram
func (dg *Datagram) Order() binary.ByteOrder {
	return dg.order
}

// Bytes returns the encoded bytes. The slice is shared with the datagram.
func (dg *Datagram) Bytes() []byte {
	return dg.buf
}

// Len returns the encoded length
func (dg *Datagram) Len() int {
	return len(dg.buf)
}

// Clear empties the datagram keeping its capacity
func (dg *Datagram) Clear() {
	dg.buf = dg.buf[:0]
}

// Copy returns an independent copy
func (dg *Datagram) Copy() *Datagram {
	buf := make([]byte, len(dg.buf))
	copy(buf, dg.buf)
	return &Datagram{order: dg.order, buf: buf}
}

func (dg *Datagram) extend(n int) []byte {
	l := len(dg.buf)
	if cap(dg.buf)-l < n {
		newCap := cap(dg.buf) * 2
		if newCap < l+n {
			newCap = l + n
		}
		nb := make([]byte, l, newCap)
		copy(nb, dg.buf)
		dg.buf = nb
	}
	dg.buf = dg.buf[:l+n]
	return dg.buf[l:]
}

// AppendUint8 appends one byte
func (dg *Datagram) AppendUint8(v uint8) {
	dg.buf = append(dg.buf, v)
}

// AppendBool appends a bool as one byte
func (dg *Datagram) AppendBool(b bool) {
	if b {
		dg.AppendUint8(1)
	} else {
		dg.AppendUint8(0)
	}
}

// AppendUint16 appends a uint16 in the datagram byte order
func (dg *Datagram) AppendUint16(v uint16) {
	dg.order.PutUint16(dg.extend(2), v)
}

// AppendUint32 appends a uint32 in the datagram byte order
func (dg *Datagram) AppendUint32(v uint32) {
	dg.order.PutUint32(dg.extend(4), v)
}

// AppendUint64 appends a uint64 in the datagram byte order
func (dg *Datagram) AppendUint64(v uint64) {
	dg.order.PutUint64(dg.extend(8), v)
}

// AppendInt8 appends an int8
func (dg *Datagram) AppendInt8(v int8) {
	dg.AppendUint8(uint8(v))
}

// AppendInt16 appends an int16
func (dg *Datagram) AppendInt16(v int16) {
	dg.AppendUint16(uint16(v))
}

// AppendInt32 appends an int32
func (dg *Datagram) AppendInt32(v int32) {
	dg.AppendUint32(uint32(v))
}

// AppendInt64 appends an int64
func (dg *Datagram) AppendInt64(v int64) {
	dg.AppendUint64(uint64(v))
}

// AppendFloat32 appends the IEEE 754 bits of f
func (dg *Datagram) AppendFloat32(f float32) {
	dg.AppendUint32(math.Float32bits(f))
}

// AppendFloat64 appends the IEEE 754 bits of f
func (dg *Datagram) AppendFloat64(f float64) {
	dg.AppendUint64(math.Float64bits(f))
}

// AppendBytes appends raw bytes without a length prefix
func (dg *Datagram) AppendBytes(v []byte) {
	dg.buf = append(dg.buf, v...)
}

// AppendString appends a u16 length-prefixed string
func (dg *Datagram) AppendString(s string) error {
	if len(s) > _MAX_VAR_LENGTH {
		return errors.Wrapf(ErrTypeMismatch, "string of %d bytes too long", len(s))
	}
	dg.AppendUint16(uint16(len(s)))
	dg.buf = append(dg.buf, s...)
	return nil
}

// AppendBlob appends a u16 length-prefixed blob
func (dg *Datagram) AppendBlob(b []byte) error {
	if len(b) > _MAX_VAR_LENGTH {
		return errors.Wrapf(ErrTypeMismatch, "blob of %d bytes too long", len(b))
	}
	dg.AppendUint16(uint16(len(b)))
	dg.buf = append(dg.buf, b...)
	return nil
}

// AppendData packs msg with MSG_PACKER and appends it as a blob
func (dg *Datagram) AppendData(msg interface{}) error {
	b, err := MSG_PACKER.PackMsg(msg, nil)
	if err != nil {
		return errors.Wrap(err, "pack data")
	}
	return dg.AppendBlob(b)
}

// AppendUint32List appends a u16 count followed by u32 values
func (dg *Datagram) AppendUint32List(list []uint32) error {
	if len(list) > _MAX_VAR_LENGTH {
		return errors.Wrapf(ErrTypeMismatch, "list of %d items too long", len(list))
	}
	dg.AppendUint16(uint16(len(list)))
	for _, v := range list {
		dg.AppendUint32(v)
	}
	return nil
}

// DatagramIterator reads values from a datagram.
//
// The first failure is sticky: after it every read returns the zero value
// and Err reports the failure.
type DatagramIterator struct {
	order binary.ByteOrder
	data  []byte
	pos   int
	err   error
}

// NewDatagramIterator creates an iterator over data in network byte order
func NewDatagramIterator(data []byte) *DatagramIterator {
	return &DatagramIterator{order: NETWORK_ENDIAN, data: data}
}

// NewDatagramIteratorWithOrder creates an iterator using the given byte order
func NewDatagramIteratorWithOrder(data []byte, order binary.ByteOrder) *DatagramIterator {
	return &DatagramIterator{order: order, data: data}
}

// Iterator returns an iterator over the datagram
func (dg *Datagram) Iterator() *DatagramIterator {
	return NewDatagramIteratorWithOrder(dg.buf, dg.order)
}

// Err returns the first error met while reading
func (di *DatagramIterator) Err() error {
	return di.err
}

// SetErr records err unless an earlier error exists
func (di *DatagramIterator) SetErr(err error) {
	if di.err == nil {
		di.err = err
	}
}

// Pos returns the read offset
func (di *DatagramIterator) Pos() int {
	return di.pos
}

// Remaining returns how many bytes are left
func (di *DatagramIterator) Remaining() int {
	return len(di.data) - di.pos
}

// RemainingBytes returns the unread bytes without consuming them
func (di *DatagramIterator) RemainingBytes() []byte {
	return di.data[di.pos:]
}

func (di *DatagramIterator) take(n int) []byte {
	if di.err != nil {
		return nil
	}
	if n < 0 || di.pos+n > len(di.data) {
		di.err = errors.Wrapf(ErrTruncated, "need %d bytes at offset %d, have %d", n, di.pos, len(di.data)-di.pos)
		return nil
	}
	b := di.data[di.pos : di.pos+n]
	di.pos += n
	return b
}

// ReadUint8 reads one byte
func (di *DatagramIterator) ReadUint8() uint8 {
	b := di.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadBool reads a one byte bool
func (di *DatagramIterator) ReadBool() bool {
	return di.ReadUint8() != 0
}

// ReadUint16 reads a uint16
func (di *DatagramIterator) ReadUint16() uint16 {
	b := di.take(2)
	if b == nil {
		return 0
	}
	return di.order.Uint16(b)
}

// ReadUint32 reads a uint32
func (di *DatagramIterator) ReadUint32() uint32 {
	b := di.take(4)
	if b == nil {
		return 0
	}
	return di.order.Uint32(b)
}

// ReadUint64 reads a uint64
func (di *DatagramIterator) ReadUint64() uint64 {
	b := di.take(8)
	if b == nil {
		return 0
	}
	return di.order.Uint64(b)
}

// ReadInt8 reads an int8
func (di *DatagramIterator) ReadInt8() int8 {
	return int8(di.ReadUint8())
}

// ReadInt16 reads an int16
func (di *DatagramIterator) ReadInt16() int16 {
	return int16(di.ReadUint16())
}

// ReadInt32 reads an int32
func (di *DatagramIterator) ReadInt32() int32 {
	return int32(di.ReadUint32())
}

// ReadInt64 reads an int64
func (di *DatagramIterator) ReadInt64() int64 {
	return int64(di.ReadUint64())
}

// ReadFloat32 reads a float32
func (di *DatagramIterator) ReadFloat32() float32 {
	return math.Float32frombits(di.ReadUint32())
}

// ReadFloat64 reads a float64
func (di *DatagramIterator) ReadFloat64() float64 {
	return math.Float64frombits(di.ReadUint64())
}

// ReadBytes reads size raw bytes. The result is a copy.
func (di *DatagramIterator) ReadBytes(size int) []byte {
	b := di.take(size)
	if b == nil {
		return nil
	}
	res := make([]byte, size)
	copy(res, b)
	return res
}

// ReadString reads a u16 length-prefixed string
func (di *DatagramIterator) ReadString() string {
	n := int(di.ReadUint16())
	b := di.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// ReadBlob reads a u16 length-prefixed blob
func (di *DatagramIterator) ReadBlob() []byte {
	n := int(di.ReadUint16())
	return di.ReadBytes(n)
}

// ReadData reads a blob and unpacks it into msg
func (di *DatagramIterator) ReadData(msg interface{}) {
	b := di.ReadBlob()
	if di.err != nil {
		return
	}
	if err := MSG_PACKER.UnpackMsg(b, msg); err != nil {
		di.SetErr(errors.Wrap(ErrTypeMismatch, err.Error()))
	}
}

// ReadUint32List reads a u16 count followed by u32 values
func (di *DatagramIterator) ReadUint32List() []uint32 {
	n := int(di.ReadUint16())
	if di.err != nil {
		return nil
	}
	if n*4 > di.Remaining() {
		di.SetErr(errors.Wrapf(ErrTruncated, "list of %d items at offset %d", n, di.pos))
		return nil
	}
	list := make([]uint32, n)
	for i := range list {
		list[i] = di.ReadUint32()
	}
	return list
}

// SkipBytes advances the read offset
func (di *DatagramIterator) SkipBytes(n int) {
	di.take(n)
}
