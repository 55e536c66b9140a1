package btp

import (
	"context"
	"testing"
	"time"
)

func Test_QUICSocket(t *testing.T) {
	socket := NewQUICSocket("127.0.0.1:47863")
	if err := socket.Listen(); err != nil {
		t.Fatal(err)
	}
	defer socket.Close()

	type accepted struct {
		conn StreamConn
		env  *authEnvelope
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		conn, env, err := socket.AcceptAuth()
		acceptCh <- accepted{conn, env, err}
	}()

	dialer := NewQUICSocket("")
	clientConn, err := dialer.DialAuth("127.0.0.1:47863", "peer-a", "secret")
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()

	got := <-acceptCh
	if got.err != nil {
		t.Fatal(got.err)
	}
	defer got.conn.Close()
	if got.env.Account != "peer-a" || got.env.Token != "secret" {
		t.Errorf("auth envelope mismatch: %+v", got.env)
	}

	t.Run("Link request over QUIC", func(t *testing.T) {
		server := NewLink(got.conn, nil)
		server.RegisterDataHandler(func(ctx context.Context, protocols []Subprotocol) ([]Subprotocol, error) {
			return []Subprotocol{{Name: ProtoILP, Data: []byte("pong")}}, nil
		})
		server.Start()
		defer server.Close()

		client := NewLink(clientConn, nil)
		client.Start()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		resp, err := client.SendData(ctx, []Subprotocol{{Name: ProtoILP, Data: []byte("ping")}})
		if err != nil {
			t.Fatal(err)
		}
		if string(resp.Protocols[0].Data) != "pong" {
			t.Errorf("unexpected response %+v", resp)
		}
	})
}
