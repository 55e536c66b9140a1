package kvstore

import (
	"sync"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var _ Store = (*Badger)(nil)

type writeOp struct {
	key    string
	value  []byte
	delete bool
	ack    chan struct{} // barrier op: no write, just acknowledge
}

// Badger persists to a badger database. The whole keyspace is loaded
// into the cache at open; durable writes drain through one queue, so
// writes to the same key apply in issue order.
type Badger struct {
	db *badger.DB

	mu    sync.RWMutex
	cache map[string][]byte

	queue chan writeOp
	wg    sync.WaitGroup
	once  sync.Once
}

// OpenBadger opens (or creates) the database at dir and loads the
// cache.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "kvstore: open %s", dir)
	}
	b := &Badger{
		db:    db,
		cache: make(map[string][]byte),
		queue: make(chan writeOp, 1024),
	}
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			b.cache[string(item.Key())] = value
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "kvstore: loading cache")
	}
	b.wg.Add(1)
	go b.writeLoop()
	return b, nil
}

func (b *Badger) writeLoop() {
	defer b.wg.Done()
	for op := range b.queue {
		if op.ack != nil {
			close(op.ack)
			continue
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			if op.delete {
				return txn.Delete([]byte(op.key))
			}
			return txn.Set([]byte(op.key), op.value)
		})
		if err != nil {
			log.Errorf("[Store] durable write for %q failed: %v", op.key, err)
		}
	}
}

func (b *Badger) Get(key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.cache[key]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true
}

func (b *Badger) Put(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.mu.Lock()
	b.cache[key] = cp
	b.mu.Unlock()
	b.queue <- writeOp{key: key, value: cp}
}

func (b *Badger) Delete(key string) {
	b.mu.Lock()
	delete(b.cache, key)
	b.mu.Unlock()
	b.queue <- writeOp{key: key, delete: true}
}

// Flush blocks until every previously enqueued write has been applied.
func (b *Badger) Flush() {
	ack := make(chan struct{})
	b.queue <- writeOp{ack: ack}
	<-ack
}

func (b *Badger) Close() error {
	b.once.Do(func() { close(b.queue) })
	b.wg.Wait()
	return b.db.Close()
}
