package btp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const quicProto = "ilp-peerlink"

// keepAlivePeriod mirrors the pre-v0.28 quic-go default of sending a
// keep-alive roughly every half of the idle timeout.
const keepAlivePeriod = 15 * time.Second

var _ StreamConn = (*QUICConn)(nil)
var _ UnderlaySocket = (*QUICSocket)(nil)

// QUICConn carries one peer link over a single bidirectional QUIC
// stream.
type QUICConn struct {
	session quic.Connection
	stream  quic.Stream
	remote  string
}

func (qc *QUICConn) Read(b []byte) (int, error)  { return qc.stream.Read(b) }
func (qc *QUICConn) Write(b []byte) (int, error) { return qc.stream.Write(b) }
func (qc *QUICConn) RemoteLabel() string         { return qc.remote }

func (qc *QUICConn) Close() error {
	qc.stream.Close()
	return qc.session.CloseWithError(0, "closed")
}

// QUICSocket listens for and dials peer links. Dialed conns announce
// the local account id and auth token in an auth envelope, mirroring
// what the listener needs to route the link to an account.
type QUICSocket struct {
	local    string
	tlsConf  *tls.Config
	listener *quic.Listener
}

func NewQUICSocket(local string) *QUICSocket {
	return &QUICSocket{local: local}
}

func (s *QUICSocket) Listen() error {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return err
	}
	s.tlsConf = tlsConf
	listener, err := quic.ListenAddr(s.local, tlsConf, &quic.Config{KeepAlivePeriod: keepAlivePeriod})
	if err != nil {
		return errors.Wrapf(err, "btp: listen on %s", s.local)
	}
	s.listener = listener
	log.Debugf("[QUICSocket] Listening on %s", s.local)
	return nil
}

// Accept waits for a peer to dial in and returns the conn; the
// announced auth envelope is discarded (AcceptAuth returns it).
func (s *QUICSocket) Accept() (StreamConn, error) {
	conn, _, err := s.AcceptAuth()
	return conn, err
}

func (s *QUICSocket) AcceptAuth() (StreamConn, *authEnvelope, error) {
	session, err := s.listener.Accept(context.Background())
	if err != nil {
		return nil, nil, err
	}
	stream, err := session.AcceptStream(context.Background())
	if err != nil {
		return nil, nil, err
	}
	conn := &QUICConn{
		session: session,
		stream:  stream,
		remote:  session.RemoteAddr().String(),
	}
	raw, err := ReadFrameRaw(conn)
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "btp: reading auth envelope")
	}
	env, ok := decodeAuthEnvelope(raw)
	if !ok {
		conn.Close()
		return nil, nil, errors.New("btp: malformed auth envelope")
	}
	log.Debugf("[QUICSocket] Accepted connection from %s (account %s)", conn.remote, env.Account)
	return conn, env, nil
}

func (s *QUICSocket) Dial(remote string) (StreamConn, error) {
	return s.DialAuth(remote, "", "")
}

// DialAuth dials the remote and sends the auth envelope before the
// conn is handed to the link layer.
func (s *QUICSocket) DialAuth(remote, account, token string) (StreamConn, error) {
	session, err := quic.DialAddr(context.Background(), remote, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicProto},
	}, &quic.Config{KeepAlivePeriod: keepAlivePeriod})
	if err != nil {
		return nil, errors.Wrapf(err, "btp: dial %s", remote)
	}
	stream, err := session.OpenStreamSync(context.Background())
	if err != nil {
		return nil, err
	}
	conn := &QUICConn{session: session, stream: stream, remote: remote}
	env := authEnvelope{Account: account, Token: token}
	if err := WriteFrameRaw(conn, env.encode()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "btp: sending auth envelope")
	}
	log.Debugf("[QUICSocket] Dialed %s as account %s", remote, account)
	return conn, nil
}

func (s *QUICSocket) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Self-signed certificate for the peer link. Peers authenticate with
// the auth token, not the TLS identity.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicProto},
	}, nil
}
