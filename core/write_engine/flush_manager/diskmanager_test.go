package flushmanager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

func setupDiskManager(t *testing.T) (*DiskManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages.db")
	dm := NewDiskManager(path, nil, nil)
	n, err := dm.OpenOrCreateFile(true)
	require.NoError(t, err)
	require.Equal(t, uint32(0), n)
	t.Cleanup(func() { _ = dm.Close() })
	return dm, path
}

func TestDiskManager_WriteReadPage(t *testing.T) {
	dm, path := setupDiskManager(t)

	data := bytes.Repeat([]byte{0xAB}, pagemanager.PageSize)
	require.NoError(t, dm.WritePage(2, data))
	require.NoError(t, dm.DataSync())

	got := make([]byte, pagemanager.PageSize)
	require.NoError(t, dm.ReadPage(2, got))
	require.Equal(t, data, got)

	// Page 1 was never written but lies before page 2, so it reads as zeros.
	require.NoError(t, dm.ReadPage(1, got))
	require.Equal(t, make([]byte, pagemanager.PageSize), got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(2*pagemanager.PageSize), info.Size())
}

func TestDiskManager_ReadPastEnd(t *testing.T) {
	dm, _ := setupDiskManager(t)
	err := dm.ReadPage(1, make([]byte, pagemanager.PageSize))
	require.ErrorIs(t, err, ErrIO)
}

func TestDiskManager_BufferSizeChecked(t *testing.T) {
	dm, _ := setupDiskManager(t)
	require.Error(t, dm.WritePage(1, make([]byte, 10)))
	require.Error(t, dm.ReadPage(1, make([]byte, 10)))
}

func TestDiskManager_Truncate(t *testing.T) {
	dm, path := setupDiskManager(t)
	for id := pagemanager.PageID(1); id <= 4; id++ {
		require.NoError(t, dm.WritePage(id, make([]byte, pagemanager.PageSize)))
	}
	require.NoError(t, dm.Truncate(2))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(2*pagemanager.PageSize), info.Size())
}

func TestDiskManager_OpenOrCreateFlags(t *testing.T) {
	_, path := setupDiskManager(t)

	again := NewDiskManager(path, nil, nil)
	_, err := again.OpenOrCreateFile(true)
	require.ErrorIs(t, err, ErrFileExists)

	missing := NewDiskManager(filepath.Join(t.TempDir(), "nope.db"), nil, nil)
	_, err = missing.OpenOrCreateFile(false)
	require.ErrorIs(t, err, ErrFileNotFound)
}
