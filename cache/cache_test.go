package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-android-agent-sub003/instrument"
)

var _ instrument.ResultCache = (*Cache)(nil)

func open(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(nil, filepath.Join(t.TempDir(), "nested", "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetPut(t *testing.T) {
	c := open(t)

	_, _, ok := c.Get("abc:fp1")
	assert.False(t, ok)

	require.NoError(t, c.Put("abc:fp1", []byte{0xca, 0xfe}, true))
	data, modified, ok := c.Get("abc:fp1")
	require.True(t, ok)
	assert.True(t, modified)
	assert.Equal(t, []byte{0xca, 0xfe}, data)

	require.NoError(t, c.Put("abc:fp1", []byte{1}, false))
	data, modified, ok = c.Get("abc:fp1")
	require.True(t, ok)
	assert.False(t, modified)
	assert.Equal(t, []byte{1}, data)

	assert.Equal(t, Stats{Hits: 2, Misses: 1, Puts: 2}, c.Stats())
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(nil, path)
	require.NoError(t, err)
	require.NoError(t, c.Put("k:fp", []byte("class"), true))
	require.NoError(t, c.Close())

	c, err = Open(nil, path)
	require.NoError(t, err)
	defer c.Close()
	data, _, ok := c.Get("k:fp")
	assert.True(t, ok)
	assert.Equal(t, "class", string(data))
}

func TestPrune(t *testing.T) {
	c := open(t)
	require.NoError(t, c.Put("a:old", []byte{1}, true))
	require.NoError(t, c.Put("b:old", []byte{2}, true))
	require.NoError(t, c.Put("a:new", []byte{3}, true))

	n, err := c.Prune("new")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	size, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	_, _, ok := c.Get("a:old")
	assert.False(t, ok)
}

func TestCorruptRecordIsAMiss(t *testing.T) {
	c := open(t)
	_, err := c.db.Exec("INSERT INTO results (key, fingerprint, record) VALUES (?, ?, ?)", "bad:fp", "fp", []byte{0xff, 0x00})
	require.NoError(t, err)

	_, _, ok := c.Get("bad:fp")
	assert.False(t, ok)
}

func TestOutdatedRecordIsAMiss(t *testing.T) {
	c := open(t)
	blob, err := encMode.Marshal(record{Version: recordVersion + 1, Data: []byte{1}})
	require.NoError(t, err)
	_, err = c.db.Exec("INSERT INTO results (key, fingerprint, record) VALUES (?, ?, ?)", "k:fp", "fp", blob)
	require.NoError(t, err)

	_, _, ok := c.Get("k:fp")
	assert.False(t, ok)
}

func TestInMemory(t *testing.T) {
	c, err := Open(nil, ":memory:")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put("k:fp", []byte{1}, false))
	_, _, ok := c.Get("k:fp")
	assert.True(t, ok)
}

func TestConcurrentPut(t *testing.T) {
	c := open(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("%d:fp", i)
			if err := c.Put(key, []byte{byte(i)}, true); err != nil {
				t.Errorf("Put(%s): %v", key, err)
			}
		}()
	}
	wg.Wait()

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func TestFingerprintOf(t *testing.T) {
	tests := []struct{ key, want string }{
		{"abc:def", "def"},
		{"a:b:c", "c"},
		{"plain", ""},
	}
	for _, tt := range tests {
		if got := fingerprintOf(tt.key); got != tt.want {
			t.Errorf("fingerprintOf(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
