package vfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s := New()
	blob := []byte{0x00, 0xff, 0x10, 0x00, 0x7f}

	require.NoError(t, s.Write("./anisette/adi.pb", blob))
	got, err := s.Read("anisette//adi.pb")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	// Read returns a copy.
	got[0] = 0xAA
	again, err := s.Read("anisette/adi.pb")
	require.NoError(t, err)
	assert.Equal(t, blob, again)
}

func TestWriteReplacesContent(t *testing.T) {
	s := New()
	require.NoError(t, s.Write("a/file", []byte("long content")))
	require.NoError(t, s.Write("a/file", []byte("x")))
	got, err := s.Read("a/file")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestReadMissing(t *testing.T) {
	_, err := New().Read("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllowedPrefixes(t *testing.T) {
	s := New("./anisette/", "/data/adi")
	assert.True(t, s.Allowed("./anisette"))
	assert.True(t, s.Allowed("anisette/adi.pb"))
	assert.True(t, s.Allowed("/data/adi/x"))
	assert.False(t, s.Allowed("anisette2/adi.pb"))
	assert.False(t, s.Allowed("/etc/passwd"))
	assert.ErrorIs(t, s.Check("/etc/passwd"), ErrDenied)

	assert.True(t, New().Allowed("/anything"))
}

func TestDirectories(t *testing.T) {
	s := New()
	require.NoError(t, s.Write("anisette/sub/adi.pb", []byte{1}))

	info, err := s.Stat("anisette/sub")
	require.NoError(t, err)
	assert.True(t, info.Dir)
	assert.Equal(t, ModeDir, info.Mode())

	info, err = s.Stat("anisette/sub/adi.pb")
	require.NoError(t, err)
	assert.False(t, info.Dir)
	assert.Equal(t, uint64(1), info.Size)
	assert.Equal(t, ModeFile, info.Mode())

	require.NoError(t, s.Mkdir("./other"))
	assert.True(t, s.Exists("other"))
	assert.ErrorIs(t, s.Mkdir("anisette/sub/adi.pb"), ErrExist)
	assert.ErrorIs(t, s.Write("anisette", nil), ErrIO)
}

func TestRemoveAndList(t *testing.T) {
	s := New()
	require.NoError(t, s.Write("b", nil))
	require.NoError(t, s.Write("a", nil))
	assert.Equal(t, []string{"a", "b"}, s.List())

	require.NoError(t, s.Remove("a"))
	assert.ErrorIs(t, s.Remove("a"), ErrNotFound)
	assert.Equal(t, []string{"b"}, s.List())
}

func TestSnapshotRestore(t *testing.T) {
	s := New()
	require.NoError(t, s.Write("anisette/adi.pb", []byte{1, 2, 3}))
	require.NoError(t, s.Write("anisette/device.json", []byte(`{"UUID":"X"}`)))
	require.NoError(t, s.Write("empty", nil))

	r := New()
	require.NoError(t, r.Restore(s.Snapshot()))
	assert.Equal(t, s.List(), r.List())
	for _, p := range s.List() {
		want, _ := s.Read(p)
		got, err := r.Read(p)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got), p)
		assert.Equal(t, string(want), string(got), p)
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	assert.ErrorIs(t, New().Restore([]byte{0x0a, 0xff}), ErrIO)
}

func TestOpenFlags(t *testing.T) {
	s := New()
	fds := NewTable(s)

	_, err := fds.Open("anisette/adi.pb", O_RDONLY|O_NOFOLLOW)
	assert.ErrorIs(t, err, ErrNotFound)

	fd, err := fds.Open("anisette/adi.pb", O_WRONLY|O_CREAT|O_NOFOLLOW)
	require.NoError(t, err)
	assert.Equal(t, FirstDescriptor, fd)
	n, err := fds.Write(fd, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Write-through: the store sees the bytes before close.
	got, err := s.Read("anisette/adi.pb")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = fds.Read(fd, 1)
	assert.ErrorIs(t, err, ErrBadDescriptor)
	require.NoError(t, fds.Close(fd))
	assert.ErrorIs(t, fds.Close(fd), ErrBadDescriptor)

	// O_WRONLY truncates.
	fd, err = fds.Open("anisette/adi.pb", O_WRONLY)
	require.NoError(t, err)
	require.NoError(t, fds.Close(fd))
	info, err := s.Stat("anisette/adi.pb")
	require.NoError(t, err)
	assert.Zero(t, info.Size)

	_, err = fds.Open("anisette/adi.pb", O_CREAT|O_EXCL|O_RDWR)
	assert.ErrorIs(t, err, ErrExist)
}

func TestReadSeekTruncate(t *testing.T) {
	s := New()
	require.NoError(t, s.Write("f", []byte("0123456789")))
	fds := NewTable(s)

	fd, err := fds.Open("f", O_RDWR)
	require.NoError(t, err)

	b, err := fds.Read(fd, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(b))

	off, err := fds.Seek(fd, -2, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(8), off)
	b, err = fds.Read(fd, 10)
	require.NoError(t, err)
	assert.Equal(t, "89", string(b))
	b, err = fds.Read(fd, 10)
	require.NoError(t, err)
	assert.Empty(t, b)

	require.NoError(t, fds.Truncate(fd, 3))
	info, err := fds.Stat(fd)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.Size)

	_, err = fds.Seek(fd, 0, io.SeekStart)
	require.NoError(t, err)
	_, err = fds.Write(fd, []byte("ab"))
	require.NoError(t, err)
	got, _ := s.Read("f")
	assert.Equal(t, "ab2", string(got))
}

func TestDescriptorReuse(t *testing.T) {
	s := New()
	fds := NewTable(s)
	a, err := fds.Open("a", O_CREAT|O_RDWR)
	require.NoError(t, err)
	b, err := fds.Open("b", O_CREAT|O_RDWR)
	require.NoError(t, err)
	require.NoError(t, fds.Close(a))

	c, err := fds.Open("c", O_CREAT|O_RDWR)
	require.NoError(t, err)
	assert.Equal(t, a, c)
	assert.Equal(t, []int{a, b}, fds.Descriptors())

	fds.Reset()
	assert.Empty(t, fds.Descriptors())
}

func TestCopyFrom(t *testing.T) {
	src := New()
	require.NoError(t, src.Write("anisette/device.json", []byte("{}")))
	dst := New("anisette")
	dst.CopyFrom(src)
	got, err := dst.Read("anisette/device.json")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}
