package ilp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Wire format: a 1-byte type code followed by a variable-length envelope
// holding the fixed fields. Lengths use the short/long form of OER: one
// byte below 128, otherwise 0x80|n followed by n length octets.

const timestampLen = 17 // YYYYMMDDHHMMSSmmm, UTC

var ErrPacketTooShort = errors.New("ilp: packet truncated")

func writeLength(buf *bytes.Buffer, n int) {
	if n < 0x80 {
		buf.WriteByte(byte(n))
		return
	}
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(n))
	i := 0
	for scratch[i] == 0 {
		i++
	}
	buf.WriteByte(byte(0x80 | (4 - i)))
	buf.Write(scratch[i:])
}

func readLength(r *bytes.Reader) (int, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, ErrPacketTooShort
	}
	if b < 0x80 {
		return int(b), nil
	}
	n := int(b & 0x7f)
	if n == 0 || n > 4 {
		return 0, errors.Errorf("ilp: bad length-of-length %d", n)
	}
	var v uint32
	for i := 0; i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, ErrPacketTooShort
		}
		v = v<<8 | uint32(b)
	}
	return int(v), nil
}

func writeVarOctets(buf *bytes.Buffer, b []byte) {
	writeLength(buf, len(b))
	buf.Write(b)
}

func readVarOctets(r *bytes.Reader) ([]byte, error) {
	n, err := readLength(r)
	if err != nil {
		return nil, err
	}
	if n > r.Len() {
		return nil, ErrPacketTooShort
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, ErrPacketTooShort
		}
	}
	return b, nil
}

func formatTimestamp(t time.Time) []byte {
	t = t.UTC()
	ms := t.Nanosecond() / int(time.Millisecond)
	return []byte(t.Format("20060102150405") + fmt.Sprintf("%03d", ms))
}

func parseTimestamp(b []byte) (time.Time, error) {
	if len(b) != timestampLen {
		return time.Time{}, errors.Errorf("ilp: bad timestamp length %d", len(b))
	}
	t, err := time.ParseInLocation("20060102150405", string(b[:14]), time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "ilp: bad timestamp")
	}
	var ms int
	for _, c := range b[14:] {
		if c < '0' || c > '9' {
			return time.Time{}, errors.New("ilp: bad timestamp millis")
		}
		ms = ms*10 + int(c-'0')
	}
	return t.Add(time.Duration(ms) * time.Millisecond), nil
}

// SerializePrepare encodes p. The data field must not exceed MaxDataLen.
func SerializePrepare(p *Prepare) ([]byte, error) {
	if len(p.Data) > MaxDataLen {
		return nil, errors.Errorf("ilp: prepare data %d exceeds %d", len(p.Data), MaxDataLen)
	}
	var content bytes.Buffer
	var amount [8]byte
	binary.BigEndian.PutUint64(amount[:], p.Amount)
	content.Write(amount[:])
	content.Write(formatTimestamp(p.ExpiresAt))
	content.Write(p.ExecutionCondition[:])
	writeVarOctets(&content, []byte(p.Destination))
	writeVarOctets(&content, p.Data)
	return envelope(TypePrepare, content.Bytes()), nil
}

func SerializeFulfill(f *Fulfill) ([]byte, error) {
	if len(f.Data) > MaxDataLen {
		return nil, errors.Errorf("ilp: fulfill data %d exceeds %d", len(f.Data), MaxDataLen)
	}
	var content bytes.Buffer
	content.Write(f.Fulfillment[:])
	writeVarOctets(&content, f.Data)
	return envelope(TypeFulfill, content.Bytes()), nil
}

func SerializeReject(r *Reject) ([]byte, error) {
	if len(r.Code) != 3 {
		return nil, errors.Errorf("ilp: reject code %q is not three bytes", r.Code)
	}
	if len(r.Data) > MaxDataLen {
		return nil, errors.Errorf("ilp: reject data %d exceeds %d", len(r.Data), MaxDataLen)
	}
	var content bytes.Buffer
	content.WriteString(r.Code)
	writeVarOctets(&content, []byte(r.TriggeredBy))
	writeVarOctets(&content, []byte(r.Message))
	writeVarOctets(&content, r.Data)
	return envelope(TypeReject, content.Bytes()), nil
}

// SerializeResponse encodes whichever side of the response is set.
func SerializeResponse(resp *Response) ([]byte, error) {
	if resp.Fulfill != nil {
		return SerializeFulfill(resp.Fulfill)
	}
	if resp.Reject != nil {
		return SerializeReject(resp.Reject)
	}
	return nil, errors.New("ilp: empty response")
}

func envelope(typ byte, content []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(typ)
	writeVarOctets(&buf, content)
	return buf.Bytes()
}

// Packet is the decoded form of any ILP packet.
type Packet struct {
	Type    byte
	Prepare *Prepare
	Fulfill *Fulfill
	Reject  *Reject
}

// Deserialize decodes a single ILP packet from b.
func Deserialize(b []byte) (*Packet, error) {
	outer := bytes.NewReader(b)
	typ, err := outer.ReadByte()
	if err != nil {
		return nil, ErrPacketTooShort
	}
	content, err := readVarOctets(outer)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(content)
	switch typ {
	case TypePrepare:
		p, err := deserializePrepare(r)
		if err != nil {
			return nil, err
		}
		return &Packet{Type: typ, Prepare: p}, nil
	case TypeFulfill:
		f, err := deserializeFulfill(r)
		if err != nil {
			return nil, err
		}
		return &Packet{Type: typ, Fulfill: f}, nil
	case TypeReject:
		rej, err := deserializeReject(r)
		if err != nil {
			return nil, err
		}
		return &Packet{Type: typ, Reject: rej}, nil
	default:
		return nil, errors.Errorf("ilp: unknown packet type %d", typ)
	}
}

func deserializePrepare(r *bytes.Reader) (*Prepare, error) {
	var amount [8]byte
	if _, err := readFull(r, amount[:]); err != nil {
		return nil, err
	}
	ts := make([]byte, timestampLen)
	if _, err := readFull(r, ts); err != nil {
		return nil, err
	}
	expiry, err := parseTimestamp(ts)
	if err != nil {
		return nil, err
	}
	p := &Prepare{
		Amount:    binary.BigEndian.Uint64(amount[:]),
		ExpiresAt: expiry,
	}
	if _, err := readFull(r, p.ExecutionCondition[:]); err != nil {
		return nil, err
	}
	dest, err := readVarOctets(r)
	if err != nil {
		return nil, err
	}
	p.Destination, err = ParseAddress(string(dest))
	if err != nil {
		return nil, err
	}
	if p.Data, err = readVarOctets(r); err != nil {
		return nil, err
	}
	if len(p.Data) > MaxDataLen {
		return nil, errors.New("ilp: prepare data too large")
	}
	return p, nil
}

func deserializeFulfill(r *bytes.Reader) (*Fulfill, error) {
	f := &Fulfill{}
	if _, err := readFull(r, f.Fulfillment[:]); err != nil {
		return nil, err
	}
	var err error
	if f.Data, err = readVarOctets(r); err != nil {
		return nil, err
	}
	return f, nil
}

func deserializeReject(r *bytes.Reader) (*Reject, error) {
	code := make([]byte, 3)
	if _, err := readFull(r, code); err != nil {
		return nil, err
	}
	rej := &Reject{Code: string(code)}
	trig, err := readVarOctets(r)
	if err != nil {
		return nil, err
	}
	rej.TriggeredBy = Address(trig)
	msg, err := readVarOctets(r)
	if err != nil {
		return nil, err
	}
	rej.Message = string(msg)
	if rej.Data, err = readVarOctets(r); err != nil {
		return nil, err
	}
	return rej, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil || n != len(b) {
		return n, ErrPacketTooShort
	}
	return n, nil
}
