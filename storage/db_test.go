package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) Storage {
	t.Helper()
	db, err := NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetKeyNotFound(t *testing.T) {
	db := newTestStorage(t)

	_, err := db.GetKey([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := db.Exist([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatchWriteSetsAndDeletes(t *testing.T) {
	db := newTestStorage(t)
	require.NoError(t, db.Set([]byte("tx:a"), []byte("1")))

	require.NoError(t, db.BatchWrite(map[string][]byte{
		"tx:a": nil,
		"tx:b": []byte("2"),
		"tx:c": []byte("3"),
	}))

	ok, err := db.Exist([]byte("tx:a"))
	require.NoError(t, err)
	assert.False(t, ok)

	items, err := db.GetByPrefix([]byte("tx:"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "tx:b", string(items[0].Key))
	assert.Equal(t, "3", string(items[1].Value))
}

func TestCounters(t *testing.T) {
	db := newTestStorage(t)
	key := []byte("ct:owner")

	_, err := db.GetCounter(key)
	assert.ErrorIs(t, err, ErrNotFound)

	value, err := db.GetCounter(key, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), value)

	value, err = db.IncCounter(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), value)

	value, err = db.IncCounter(key, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), value, "default only applies to a missing key")

	require.NoError(t, db.Set(key, []byte("nope")))
	_, err = db.GetCounter(key)
	assert.Error(t, err)
}

func TestBackupAndLoad(t *testing.T) {
	db := newTestStorage(t)
	require.NoError(t, db.Set([]byte("acct:1"), []byte("one")))

	var buf bytes.Buffer
	_, err := db.Backup(context.Background(), &buf, 0)
	require.NoError(t, err)

	restored := newTestStorage(t)
	require.NoError(t, restored.Load(context.Background(), &buf))

	value, err := restored.GetKey([]byte("acct:1"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(value))
}

func TestDestroyRemovesDirectory(t *testing.T) {
	db, err := NewWithPath(t.TempDir())
	require.NoError(t, err)
	path := db.DbPath()

	require.NoError(t, Destroy(db))
	assert.NoDirExists(t, path)
}
