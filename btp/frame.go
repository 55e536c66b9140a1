package btp

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Frame types. Responses and errors echo the request id of the message
// or transfer that caused them.
const (
	TypeResponse = 1
	TypeError    = 2
	TypeMessage  = 6
	TypeTransfer = 7
)

// Content types for sub-protocol payloads.
const (
	ContentOctetStream = 0
	ContentTextPlain   = 1
	ContentJSON        = 2
)

// Well-known sub-protocol names multiplexed over a peer link.
const (
	ProtoILP              = "ilp"
	ProtoCCPControl       = "ccp_control"
	ProtoCCPUpdate        = "ccp_update"
	ProtoPeeringRequest   = "peeringRequest"
	ProtoPeeringResponse  = "peeringResponse"
	ProtoInvoiceRequest   = "invoiceRequest"
	ProtoInvoiceResponse  = "invoiceResponse"
)

// Subprotocol is one named payload inside a frame.
type Subprotocol struct {
	Name        string
	ContentType byte
	Data        []byte
}

// Frame is the unit exchanged between two peers over a link. Amount is
// only meaningful for TypeTransfer frames.
type Frame struct {
	RequestID uint32
	Type      byte
	Amount    uint64
	Protocols []Subprotocol
}

// Protocol returns the sub-protocol with the given name, or nil.
func (f *Frame) Protocol(name string) *Subprotocol {
	for i := range f.Protocols {
		if f.Protocols[i].Name == name {
			return &f.Protocols[i]
		}
	}
	return nil
}

// SerializeFrame encodes f: request id (u32 BE), type, amount (u64 BE,
// transfers only), protocol count and per protocol name length, name,
// content type and data length (u32 BE) plus data.
func SerializeFrame(f *Frame) ([]byte, error) {
	if len(f.Protocols) > 255 {
		return nil, errors.New("btp: too many sub-protocols")
	}
	var buf bytes.Buffer
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], f.RequestID)
	buf.Write(u32[:])
	buf.WriteByte(f.Type)
	if f.Type == TypeTransfer {
		var u64 [8]byte
		binary.BigEndian.PutUint64(u64[:], f.Amount)
		buf.Write(u64[:])
	}
	buf.WriteByte(byte(len(f.Protocols)))
	for _, p := range f.Protocols {
		if len(p.Name) > 255 {
			return nil, errors.Errorf("btp: sub-protocol name %q too long", p.Name)
		}
		buf.WriteByte(byte(len(p.Name)))
		buf.WriteString(p.Name)
		buf.WriteByte(p.ContentType)
		binary.BigEndian.PutUint32(u32[:], uint32(len(p.Data)))
		buf.Write(u32[:])
		buf.Write(p.Data)
	}
	return buf.Bytes(), nil
}

// DeserializeFrame decodes a frame produced by SerializeFrame.
func DeserializeFrame(b []byte) (*Frame, error) {
	r := bytes.NewReader(b)
	var u32 [4]byte
	if _, err := r.Read(u32[:]); err != nil {
		return nil, errors.New("btp: frame truncated")
	}
	f := &Frame{RequestID: binary.BigEndian.Uint32(u32[:])}
	typ, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("btp: frame truncated")
	}
	f.Type = typ
	switch typ {
	case TypeResponse, TypeError, TypeMessage, TypeTransfer:
	default:
		return nil, errors.Errorf("btp: unknown frame type %d", typ)
	}
	if typ == TypeTransfer {
		var u64 [8]byte
		if n, _ := r.Read(u64[:]); n != 8 {
			return nil, errors.New("btp: frame truncated")
		}
		f.Amount = binary.BigEndian.Uint64(u64[:])
	}
	count, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("btp: frame truncated")
	}
	f.Protocols = make([]Subprotocol, 0, count)
	for i := 0; i < int(count); i++ {
		nameLen, err := r.ReadByte()
		if err != nil {
			return nil, errors.New("btp: frame truncated")
		}
		name := make([]byte, nameLen)
		if n, _ := r.Read(name); n != int(nameLen) {
			return nil, errors.New("btp: frame truncated")
		}
		contentType, err := r.ReadByte()
		if err != nil {
			return nil, errors.New("btp: frame truncated")
		}
		if n, _ := r.Read(u32[:]); n != 4 {
			return nil, errors.New("btp: frame truncated")
		}
		dataLen := binary.BigEndian.Uint32(u32[:])
		if int(dataLen) > r.Len() {
			return nil, errors.New("btp: frame truncated")
		}
		data := make([]byte, dataLen)
		if dataLen > 0 {
			if n, _ := r.Read(data); n != int(dataLen) {
				return nil, errors.New("btp: frame truncated")
			}
		}
		f.Protocols = append(f.Protocols, Subprotocol{
			Name:        string(name),
			ContentType: contentType,
			Data:        data,
		})
	}
	return f, nil
}
