package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-gasless/core/testutil"
	"github.com/AvaProtocol/ap-gasless/storage"
)

func TestPeriodicBackupLifecycle(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db)

	service := NewService(testutil.GetLogger(), db, t.TempDir())
	require.NoError(t, service.StartPeriodicBackup(time.Hour))
	assert.True(t, service.Running())

	assert.Error(t, service.StartPeriodicBackup(time.Hour), "starting twice")

	service.StopPeriodicBackup()
	assert.False(t, service.Running())
	// stopping again is a no-op
	service.StopPeriodicBackup()
}

func TestPeriodicBackupRuns(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db)
	require.NoError(t, db.Set([]byte("a:1"), []byte("one")))

	dir := t.TempDir()
	service := NewService(testutil.GetLogger(), db, dir)
	require.NoError(t, service.StartPeriodicBackup(50*time.Millisecond))
	defer service.StopPeriodicBackup()

	assert.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "*", backupFileName))
		return len(matches) > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPerformBackupAndRestore(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db)
	require.NoError(t, db.Set([]byte("a:1"), []byte("one")))
	require.NoError(t, db.Set([]byte("a:2"), []byte("two")))

	dir := t.TempDir()
	service := NewService(testutil.GetLogger(), db, dir)
	service.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	backupFile, err := service.PerformBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "25-03-04-05-06-07", backupFileName), backupFile)

	info, err := os.Stat(backupFile)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	restored := testutil.TestMustDB()
	defer storage.Destroy(restored)
	require.NoError(t, Restore(context.Background(), restored, backupFile))

	value, err := restored.GetKey([]byte("a:2"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(value))
}

func TestRestoreMissingFile(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db)
	assert.Error(t, Restore(context.Background(), db, filepath.Join(t.TempDir(), "missing.db")))
}
