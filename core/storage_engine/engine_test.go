package storageengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/config"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		BasePath:        filepath.Join(t.TempDir(), "data", "engine"),
		PageCacheMemory: 32 * pagemanager.PageSize,
		CreateIfMissing: true,
	}
}

func TestEngine_CreateThenReopen(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	require.True(t, e.Created())
	for _, p := range Paths(cfg.BasePath) {
		require.FileExists(t, p)
	}

	pgno, err := e.Pages.NewPage([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, e.Log.Log([]byte("insert hello")))
	xid, err := e.Txns.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Txns.Commit(xid))
	e.FreeSpace.Add(pgno, 8000)
	require.NoError(t, e.Close())

	e, err = Open(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer e.Close()
	require.False(t, e.Created())
	require.Equal(t, pgno, e.Pages.PageNumber())
	require.Equal(t, 1, e.Log.RecoveryInfo().Records)
	committed, err := e.Txns.IsCommitted(xid)
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, 0, e.FreeSpace.Len(), "the free-space index is rebuilt by upper layers")
}

func TestEngine_MissingFiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.CreateIfMissing = false
	_, err := Open(cfg, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrFileNotFound)

	cfg.CreateIfMissing = true
	e, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	require.NoError(t, os.Remove(Paths(cfg.BasePath)[2]))
	_, err = Open(cfg, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrFileNotFound)
}

func TestEngine_CorruptLogIsFatal(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e.Log.Log([]byte("record")))
	require.NoError(t, e.Close())

	logPath := Paths(cfg.BasePath)[1]
	f, err := os.OpenFile(logPath, os.O_RDWR, 0666)
	require.NoError(t, err)
	_, err = f.WriteAt(common.Int32ToBytes(12345), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(cfg, nil, nil)
	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.ErrorIs(t, err, flushmanager.ErrBadLogFile)
}

func TestEngine_MemTooSmall(t *testing.T) {
	cfg := testConfig(t)
	cfg.PageCacheMemory = pagemanager.PageSize
	_, err := Open(cfg, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrMemTooSmall)
	require.False(t, IsFatal(err))
}

func TestEngine_FailedCreateRemovesNewFiles(t *testing.T) {
	cfg := testConfig(t)
	paths := Paths(cfg.BasePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.BasePath), 0755))

	// A dangling link is invisible to the existence check but blocks the
	// exclusive create of the log file.
	require.NoError(t, os.Symlink(filepath.Join(t.TempDir(), "nowhere"), paths[1]))

	_, err := Open(cfg, zap.NewNop(), nil)
	require.ErrorIs(t, err, flushmanager.ErrFileExists)
	require.NoFileExists(t, paths[0], "the page file made before the failure is removed")
	require.NoFileExists(t, paths[2])

	// With the obstacle gone the engine can be created from scratch.
	require.NoError(t, os.Remove(paths[1]))
	e, err := Open(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	require.True(t, e.Created())
	require.NoError(t, e.Close())
}
