package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, free uint64, n Notifier) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s := New(Config{
		Dir:       "/media",
		MinFree:   1000,
		FreeSpace: func(string) (uint64, error) { return free, nil },
	}, fs, n)
	s.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return s, fs
}

func TestCreateRecording(t *testing.T) {
	s, fs := newTestStore(t, 5000, nil)

	w, path, err := s.CreateRecording("0123456789abcdef", 1)
	require.NoError(t, err)
	assert.Equal(t, "/media/VID_20260304_050607.000_01234567_s1.mp4", path)
	_, err = w.Write([]byte("ftyp"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "ftyp", string(data))

	// never overwrite
	_, _, err = s.CreateRecording("0123456789abcdef", 1)
	assert.Error(t, err)
}

func TestInsufficientStorageNotifies(t *testing.T) {
	var gotFree, gotRequired uint64
	calls := 0
	s, fs := newTestStore(t, 10, NotifierFunc(func(dir string, free, required uint64) {
		calls++
		gotFree, gotRequired = free, required
	}))

	_, _, err := s.CreateSnapshot("abc")
	assert.ErrorIs(t, err, ErrInsufficientStorage)
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(10), gotFree)
	assert.Equal(t, uint64(1000), gotRequired)

	entries, err := afero.ReadDir(fs, "/media")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFreeSpaceError(t *testing.T) {
	s, _ := newTestStore(t, 0, nil)
	s.freeSpace = func(string) (uint64, error) { return 0, errors.New("statfs failed") }
	assert.Error(t, s.Check())
}

func TestListOpenRemove(t *testing.T) {
	s, fs := newTestStore(t, 5000, nil)
	require.NoError(t, afero.WriteFile(fs, "/media/VID_1.mp4", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/media/VID_2.mp4", []byte("bb"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/media/IMG_1.jpg", []byte("c"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/media/notes.txt", []byte("x"), 0o644))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "VID_2.mp4", entries[0].Name)
	assert.Equal(t, int64(2), entries[0].Size)

	f, err := s.Open("IMG_1.jpg")
	require.NoError(t, err)
	f.Close()

	_, err = s.Open("../etc/passwd.jpg")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.ErrorIs(t, s.Remove("notes.txt"), ErrInvalidName)

	require.NoError(t, s.Remove("VID_1.mp4"))
	entries, err = s.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestListMissingDir(t *testing.T) {
	s, _ := newTestStore(t, 5000, nil)
	entries, err := s.List()
	assert.NoError(t, err)
	assert.Empty(t, entries)
}
