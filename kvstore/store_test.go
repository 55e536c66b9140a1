package kvstore

import (
	"fmt"
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	s := NewMemory()
	if _, ok := s.Get("missing"); ok {
		t.Error("expected miss")
	}
	s.Put("k", []byte("v1"))
	s.Put("k", []byte("v2"))
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", string(v))

	// mutating the returned slice must not corrupt the cache
	v[0] = 'x'
	v2, _ := s.Get("k")
	assert.Equal(t, "v2", string(v2))

	s.Delete("k")
	_, ok = s.Get("k")
	assert.False(t, ok)
}

func TestBadger(t *testing.T) {
	dir, err := ioutil.TempDir("", "ilp-kvstore")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := OpenBadger(dir)
	require.NoError(t, err)

	t.Run("Ordered writes per key", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			s.Put("counter", []byte(fmt.Sprintf("%d", i)))
		}
		s.Flush()
		v, ok := s.Get("counter")
		require.True(t, ok)
		assert.Equal(t, "99", string(v))
	})

	t.Run("Reload serves persisted values", func(t *testing.T) {
		s.Put("stable", []byte("payload"))
		require.NoError(t, s.Close())

		reopened, err := OpenBadger(dir)
		require.NoError(t, err)
		defer reopened.Close()
		v, ok := reopened.Get("stable")
		require.True(t, ok, "cache must be loaded at open")
		assert.Equal(t, "payload", string(v))
	})
}
