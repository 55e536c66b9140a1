package ilp

import (
	"bytes"
	"crypto/sha256"
	"time"
)

// Packet type codes on the wire.
const (
	TypePrepare = 12
	TypeFulfill = 13
	TypeReject  = 14
)

// MaxDataLen bounds the opaque data field of every packet.
const MaxDataLen = 32 * 1024

// Prepare asks the next hop to deliver value to Destination if it can
// produce the preimage of ExecutionCondition before ExpiresAt.
type Prepare struct {
	Destination        Address
	Amount             uint64
	ExecutionCondition [32]byte
	ExpiresAt          time.Time
	Data               []byte
}

// Fulfill proves delivery with the 32-byte preimage of the condition.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

// Reject refuses a Prepare with a three-byte code from the taxonomy.
type Reject struct {
	Code        string
	TriggeredBy Address
	Message     string
	Data        []byte
}

// Response is either a Fulfill or a Reject, never both.
type Response struct {
	Fulfill *Fulfill
	Reject  *Reject
}

func FulfillResponse(f *Fulfill) *Response { return &Response{Fulfill: f} }
func RejectResponse(r *Reject) *Response  { return &Response{Reject: r} }

// VerifyFulfillment reports whether SHA-256(fulfillment) equals condition.
func VerifyFulfillment(fulfillment, condition [32]byte) bool {
	digest := sha256.Sum256(fulfillment[:])
	return bytes.Equal(digest[:], condition[:])
}

// Condition computes the execution condition for a fulfillment preimage.
func Condition(fulfillment [32]byte) [32]byte {
	return sha256.Sum256(fulfillment[:])
}

func (p *Prepare) Equal(o *Prepare) bool {
	return p.Destination == o.Destination &&
		p.Amount == o.Amount &&
		p.ExecutionCondition == o.ExecutionCondition &&
		p.ExpiresAt.Equal(o.ExpiresAt) &&
		bytes.Equal(p.Data, o.Data)
}
