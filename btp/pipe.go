package btp

import (
	"io"
	"net"
)

var _ StreamConn = (*PipeConn)(nil)

// PipeConn adapts one end of net.Pipe to the StreamConn interface. It
// backs in-process peer links in tests.
type PipeConn struct {
	conn  net.Conn
	label string
}

func (p *PipeConn) Read(b []byte) (int, error)  { return p.conn.Read(b) }
func (p *PipeConn) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *PipeConn) RemoteLabel() string         { return p.label }

func (p *PipeConn) Close() error {
	err := p.conn.Close()
	if err == io.ErrClosedPipe {
		return nil
	}
	return err
}

// Pipe returns two connected StreamConns.
func Pipe(labelA, labelB string) (StreamConn, StreamConn) {
	a, b := net.Pipe()
	return &PipeConn{conn: a, label: labelB}, &PipeConn{conn: b, label: labelA}
}
