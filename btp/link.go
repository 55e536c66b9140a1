package btp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DataHandler serves an incoming MESSAGE frame and returns the
// sub-protocols for the response. A non-nil error turns the reply into
// an ERROR frame carrying whatever protocols were returned.
type DataHandler func(ctx context.Context, protocols []Subprotocol) ([]Subprotocol, error)

// MoneyHandler serves an incoming TRANSFER frame.
type MoneyHandler func(ctx context.Context, amount uint64, protocols []Subprotocol) error

var (
	ErrLinkClosed      = errors.New("btp: link closed")
	ErrRequestIDInUse  = errors.New("btp: request id already pending")
	ErrRequestTimedOut = errors.New("btp: request timed out")
)

// Link multiplexes request/response frames over one StreamConn. Each
// outstanding request owns an entry in the pending table; responses
// arriving after the entry was freed are discarded.
type Link struct {
	conn    StreamConn
	metrics *LinkMetrics

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan *Frame

	handlerMu    sync.RWMutex
	dataHandler  DataHandler
	moneyHandler MoneyHandler
	onDisconnect func()

	closeOnce sync.Once
	closed    chan struct{}
}

func NewLink(conn StreamConn, metrics *LinkMetrics) *Link {
	if metrics == nil {
		metrics = NewLinkMetrics(0)
	}
	return &Link{
		conn:    conn,
		metrics: metrics,
		pending: make(map[uint32]chan *Frame),
		closed:  make(chan struct{}),
	}
}

func (l *Link) Metrics() *LinkMetrics { return l.metrics }

func (l *Link) RegisterDataHandler(h DataHandler) {
	l.handlerMu.Lock()
	l.dataHandler = h
	l.handlerMu.Unlock()
}

func (l *Link) RegisterMoneyHandler(h MoneyHandler) {
	l.handlerMu.Lock()
	l.moneyHandler = h
	l.handlerMu.Unlock()
}

func (l *Link) OnDisconnect(f func()) {
	l.handlerMu.Lock()
	l.onDisconnect = f
	l.handlerMu.Unlock()
}

// Start spawns the read loop. Call after handlers are registered.
func (l *Link) Start() {
	go l.readLoop()
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
		l.failAllPending()
		l.handlerMu.RLock()
		cb := l.onDisconnect
		l.handlerMu.RUnlock()
		if cb != nil {
			cb()
		}
	})
	return err
}

func (l *Link) Closed() <-chan struct{} { return l.closed }

func (l *Link) failAllPending() {
	l.mu.Lock()
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
	l.mu.Unlock()
}

func newRequestID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is unrecoverable for request ids
		panic(err)
	}
	return binary.BigEndian.Uint32(b[:])
}

// SendData sends a MESSAGE and awaits the matching RESPONSE or ERROR.
func (l *Link) SendData(ctx context.Context, protocols []Subprotocol) (*Frame, error) {
	return l.Request(ctx, &Frame{
		RequestID: newRequestID(),
		Type:      TypeMessage,
		Protocols: protocols,
	})
}

// SendMoney sends a TRANSFER and awaits acknowledgment.
func (l *Link) SendMoney(ctx context.Context, amount uint64, protocols []Subprotocol) error {
	resp, err := l.Request(ctx, &Frame{
		RequestID: newRequestID(),
		Type:      TypeTransfer,
		Amount:    amount,
		Protocols: protocols,
	})
	if err != nil {
		return err
	}
	if resp.Type == TypeError {
		return errors.New("btp: transfer refused by peer")
	}
	return nil
}

// Request registers the frame's request id, writes the frame and waits
// for the response under the context deadline. The pending entry is
// freed on every exit path so a late response is dropped.
func (l *Link) Request(ctx context.Context, f *Frame) (*Frame, error) {
	ch := make(chan *Frame, 1)
	l.mu.Lock()
	if _, exists := l.pending[f.RequestID]; exists {
		l.mu.Unlock()
		return nil, ErrRequestIDInUse
	}
	l.pending[f.RequestID] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, f.RequestID)
		l.mu.Unlock()
	}()

	if err := l.writeFrame(f); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrLinkClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ErrRequestTimedOut
	case <-l.closed:
		return nil, ErrLinkClosed
	}
}

func (l *Link) writeFrame(f *Frame) error {
	raw, err := SerializeFrame(f)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	if err := WriteFrameRaw(l.conn, raw); err != nil {
		return err
	}
	l.metrics.noteWrite(len(raw))
	return nil
}

func (l *Link) readLoop() {
	for {
		raw, err := ReadFrameRaw(l.conn)
		if err != nil {
			select {
			case <-l.closed:
			default:
				log.Debugf("[Link] read loop ended for %s: %v", l.conn.RemoteLabel(), err)
			}
			l.Close()
			return
		}
		l.metrics.noteRead(len(raw))
		f, err := DeserializeFrame(raw)
		if err != nil {
			log.Warnf("[Link] dropping malformed frame from %s: %v", l.conn.RemoteLabel(), err)
			continue
		}
		switch f.Type {
		case TypeResponse, TypeError:
			l.resolvePending(f)
		case TypeMessage:
			go l.serveMessage(f)
		case TypeTransfer:
			go l.serveTransfer(f)
		}
	}
}

func (l *Link) resolvePending(f *Frame) {
	l.mu.Lock()
	ch, ok := l.pending[f.RequestID]
	if ok {
		delete(l.pending, f.RequestID)
	}
	l.mu.Unlock()
	if !ok {
		log.Debugf("[Link] discarding late response %d from %s", f.RequestID, l.conn.RemoteLabel())
		return
	}
	ch <- f
}

func (l *Link) serveMessage(f *Frame) {
	l.handlerMu.RLock()
	handler := l.dataHandler
	l.handlerMu.RUnlock()
	if handler == nil {
		l.reply(&Frame{RequestID: f.RequestID, Type: TypeError})
		return
	}
	protocols, err := handler(context.Background(), f.Protocols)
	typ := byte(TypeResponse)
	if err != nil {
		typ = TypeError
	}
	l.reply(&Frame{RequestID: f.RequestID, Type: typ, Protocols: protocols})
}

func (l *Link) serveTransfer(f *Frame) {
	l.handlerMu.RLock()
	handler := l.moneyHandler
	l.handlerMu.RUnlock()
	if handler == nil {
		l.reply(&Frame{RequestID: f.RequestID, Type: TypeError})
		return
	}
	if err := handler(context.Background(), f.Amount, f.Protocols); err != nil {
		l.reply(&Frame{RequestID: f.RequestID, Type: TypeError})
		return
	}
	l.reply(&Frame{RequestID: f.RequestID, Type: TypeResponse})
}

func (l *Link) reply(f *Frame) {
	if err := l.writeFrame(f); err != nil {
		log.Debugf("[Link] failed to reply to %d: %v", f.RequestID, err)
	}
}
