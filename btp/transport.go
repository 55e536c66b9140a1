package btp

import (
	"bytes"
	"encoding/binary"
	"io"
)

// StreamConn is a reliable, ordered byte stream to one peer. The link
// layer frames it with an 8-byte big-endian length prefix per frame.
type StreamConn interface {
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Close() error
	RemoteLabel() string
}

// TransportConstructor builds an unconnected StreamConn.
type TransportConstructor func() StreamConn

// UnderlaySocket accepts and dials StreamConns for peer links.
type UnderlaySocket interface {
	Listen() error
	Accept() (StreamConn, error)
	Dial(remote string) (StreamConn, error)
	Close() error
}

const maxFrameSize = 1 << 20

// WriteFrameRaw writes one length-prefixed frame to conn.
func WriteFrameRaw(conn StreamConn, b []byte) error {
	bts := make([]byte, 8)
	binary.BigEndian.PutUint64(bts, uint64(len(b)))
	if _, err := conn.Write(bts); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

// ReadFrameRaw reads one length-prefixed frame from conn.
func ReadFrameRaw(conn StreamConn) ([]byte, error) {
	bts := make([]byte, 8)
	if err := readFull(conn, bts); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(bts)
	if n > maxFrameSize {
		return nil, io.ErrShortBuffer
	}
	b := make([]byte, n)
	if err := readFull(conn, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readFull(conn StreamConn, b []byte) error {
	var read int
	for read < len(b) {
		n, err := conn.Read(b[read:])
		if err != nil {
			return err
		}
		read += n
	}
	return nil
}

// authEnvelope is exchanged once after dialing so the listener knows
// which account the new conn belongs to.
type authEnvelope struct {
	Account string
	Token   string
}

func (a *authEnvelope) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(a.Account)))
	buf.WriteString(a.Account)
	buf.WriteByte(byte(len(a.Token)))
	buf.WriteString(a.Token)
	return buf.Bytes()
}

func decodeAuthEnvelope(b []byte) (*authEnvelope, bool) {
	r := bytes.NewReader(b)
	readStr := func() (string, bool) {
		n, err := r.ReadByte()
		if err != nil {
			return "", false
		}
		s := make([]byte, n)
		if got, _ := r.Read(s); got != int(n) {
			return "", false
		}
		return string(s), true
	}
	account, ok := readStr()
	if !ok {
		return nil, false
	}
	token, ok := readStr()
	if !ok {
		return nil, false
	}
	return &authEnvelope{Account: account, Token: token}, true
}
