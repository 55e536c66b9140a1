package btp

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func Test_Frame(t *testing.T) {
	t.Run("Message round-trip", func(t *testing.T) {
		f := &Frame{
			RequestID: 0xdeadbeef,
			Type:      TypeMessage,
			Protocols: []Subprotocol{
				{Name: ProtoILP, ContentType: ContentOctetStream, Data: []byte{1, 2, 3}},
				{Name: ProtoCCPUpdate, ContentType: ContentOctetStream, Data: nil},
			},
		}
		raw, err := SerializeFrame(f)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DeserializeFrame(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got.RequestID != f.RequestID || got.Type != f.Type || len(got.Protocols) != 2 {
			t.Errorf("round-trip mismatch: %+v", got)
		}
		if got.Protocols[0].Name != ProtoILP || !bytes.Equal(got.Protocols[0].Data, []byte{1, 2, 3}) {
			t.Errorf("sub-protocol mismatch: %+v", got.Protocols[0])
		}
	})

	t.Run("Transfer carries amount", func(t *testing.T) {
		f := &Frame{RequestID: 7, Type: TypeTransfer, Amount: 1500}
		raw, err := SerializeFrame(f)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DeserializeFrame(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got.Amount != 1500 {
			t.Errorf("expected amount 1500, got %d", got.Amount)
		}
	})

	t.Run("Unknown type refused", func(t *testing.T) {
		raw, _ := SerializeFrame(&Frame{RequestID: 1, Type: TypeMessage})
		raw[4] = 99
		if _, err := DeserializeFrame(raw); err == nil {
			t.Error("expected error for unknown type")
		}
	})
}

func Test_Link(t *testing.T) {
	newPair := func(t *testing.T) (*Link, *Link) {
		connA, connB := Pipe("a", "b")
		linkA := NewLink(connA, nil)
		linkB := NewLink(connB, nil)
		t.Cleanup(func() {
			linkA.Close()
			linkB.Close()
		})
		return linkA, linkB
	}

	t.Run("Request response", func(t *testing.T) {
		linkA, linkB := newPair(t)
		linkB.RegisterDataHandler(func(ctx context.Context, protocols []Subprotocol) ([]Subprotocol, error) {
			return []Subprotocol{{Name: ProtoILP, Data: append([]byte("echo:"), protocols[0].Data...)}}, nil
		})
		linkA.Start()
		linkB.Start()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := linkA.SendData(ctx, []Subprotocol{{Name: ProtoILP, Data: []byte("ping")}})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Type != TypeResponse || string(resp.Protocols[0].Data) != "echo:ping" {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("Deadline frees pending entry", func(t *testing.T) {
		linkA, linkB := newPair(t)
		release := make(chan struct{})
		linkB.RegisterDataHandler(func(ctx context.Context, protocols []Subprotocol) ([]Subprotocol, error) {
			<-release
			return nil, nil
		})
		linkA.Start()
		linkB.Start()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := linkA.SendData(ctx, []Subprotocol{{Name: ProtoILP}})
		if err != ErrRequestTimedOut {
			t.Fatalf("expected timeout, got %v", err)
		}
		close(release)

		linkA.mu.Lock()
		n := len(linkA.pending)
		linkA.mu.Unlock()
		if n != 0 {
			t.Errorf("pending table not freed, %d entries", n)
		}
	})

	t.Run("Request id collision rejected", func(t *testing.T) {
		linkA, linkB := newPair(t)
		release := make(chan struct{})
		linkB.RegisterDataHandler(func(ctx context.Context, protocols []Subprotocol) ([]Subprotocol, error) {
			<-release
			return nil, nil
		})
		linkA.Start()
		linkB.Start()
		defer close(release)

		errs := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := linkA.Request(ctx, &Frame{RequestID: 42, Type: TypeMessage})
			errs <- err
		}()
		time.Sleep(20 * time.Millisecond)
		_, err := linkA.Request(context.Background(), &Frame{RequestID: 42, Type: TypeMessage})
		if err != ErrRequestIDInUse {
			t.Errorf("expected ErrRequestIDInUse, got %v", err)
		}
		release <- struct{}{}
		if err := <-errs; err != nil {
			t.Errorf("first request failed: %v", err)
		}
	})

	t.Run("Money handler acknowledged", func(t *testing.T) {
		linkA, linkB := newPair(t)
		got := make(chan uint64, 1)
		linkB.RegisterMoneyHandler(func(ctx context.Context, amount uint64, protocols []Subprotocol) error {
			got <- amount
			return nil
		})
		linkA.Start()
		linkB.Start()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := linkA.SendMoney(ctx, 250, nil); err != nil {
			t.Fatal(err)
		}
		if amount := <-got; amount != 250 {
			t.Errorf("expected 250, got %d", amount)
		}
	})

	t.Run("Close fails outstanding requests", func(t *testing.T) {
		linkA, linkB := newPair(t)
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		linkB.RegisterDataHandler(func(ctx context.Context, protocols []Subprotocol) ([]Subprotocol, error) {
			<-release
			return nil, nil
		})
		linkA.Start()
		linkB.Start()

		errs := make(chan error, 1)
		go func() {
			_, err := linkA.SendData(context.Background(), []Subprotocol{{Name: ProtoILP}})
			errs <- err
		}()
		time.Sleep(20 * time.Millisecond)
		linkA.Close()
		if err := <-errs; err != ErrLinkClosed {
			t.Errorf("expected ErrLinkClosed, got %v", err)
		}
	})
}
