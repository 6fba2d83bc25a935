package proto

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/godor/engine/netutil"
)

// Header prefixes every datagram exchanged by AI / UD participants:
// u8 channelCount, u64 channel[channelCount], u64 sender
type Header struct {
	Channels []uint64
	Sender   uint64
}

// NewMessage starts a datagram. A nil header starts a client datagram.
func NewMessage(h *Header, msgType MsgType) *netutil.Datagram {
	dg := netutil.NewDatagram()
	if h != nil {
		dg.AppendUint8(uint8(len(h.Channels)))
		for _, ch := range h.Channels {
			dg.AppendUint64(ch)
		}
		dg.AppendUint64(h.Sender)
	}
	dg.AppendUint16(uint16(msgType))
	return dg
}

// ReadHeader reads the server header and the message type.
// With hasHeader false only the message type is read.
func ReadHeader(di *netutil.DatagramIterator, hasHeader bool) (*Header, MsgType, error) {
	var h *Header
	if hasHeader {
		n := int(di.ReadUint8())
		h = &Header{Channels: make([]uint64, 0, n)}
		for i := 0; i < n && di.Err() == nil; i++ {
			h.Channels = append(h.Channels, di.ReadUint64())
		}
		h.Sender = di.ReadUint64()
	}
	msgType := MsgType(di.ReadUint16())
	if err := di.Err(); err != nil {
		return nil, MT_INVALID, errors.Wrap(err, "read header")
	}
	return h, msgType, nil
}

// MessageSender creates and sends datagrams for one participant
type MessageSender interface {
	// NewMessage starts a datagram with the participant's header
	NewMessage(msgType MsgType) *netutil.Datagram
	// SendDatagram sends a finished datagram
	SendDatagram(dg *netutil.Datagram) error
}

// TargetedSender can also address a datagram to a single channel
type TargetedSender interface {
	MessageSender
	// NewMessageTo starts a datagram for channel
	NewMessageTo(channel uint64, msgType MsgType) *netutil.Datagram
}

// Recorder is a MessageSender that keeps every datagram
type Recorder struct {
	Header *Header
	Sent   []*netutil.Datagram
	Err    error // returned by SendDatagram when set
}

func (r *Recorder) NewMessage(msgType MsgType) *netutil.Datagram {
	return NewMessage(r.Header, msgType)
}

func (r *Recorder) NewMessageTo(channel uint64, msgType MsgType) *netutil.Datagram {
	h := &Header{Channels: []uint64{channel}}
	if r.Header != nil {
		h.Sender = r.Header.Sender
	}
	return NewMessage(h, msgType)
}

// LastHeader returns the header of the last datagram
func (r *Recorder) LastHeader() *Header {
	if len(r.Sent) == 0 || r.Header == nil {
		return nil
	}
	h, _, _ := ReadHeader(r.Sent[len(r.Sent)-1].Iterator(), true)
	return h
}

func (r *Recorder) SendDatagram(dg *netutil.Datagram) error {
	if r.Err != nil {
		return r.Err
	}
	r.Sent = append(r.Sent, dg)
	return nil
}

// Last returns an iterator positioned after the header of the last datagram
func (r *Recorder) Last() (*netutil.DatagramIterator, MsgType) {
	if len(r.Sent) == 0 {
		return nil, MT_INVALID
	}
	return r.At(len(r.Sent) - 1)
}

// At returns an iterator positioned after the header of datagram i
func (r *Recorder) At(i int) (*netutil.DatagramIterator, MsgType) {
	di := r.Sent[i].Iterator()
	_, msgType, _ := ReadHeader(di, r.Header != nil)
	return di, msgType
}

// Count returns how many datagrams of msgType were sent
func (r *Recorder) Count(msgType MsgType) int {
	n := 0
	for i := range r.Sent {
		if _, t := r.At(i); t == msgType {
			n++
		}
	}
	return n
}

// Reset forgets every recorded datagram
func (r *Recorder) Reset() {
	r.Sent = nil
}
