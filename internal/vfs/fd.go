package vfs

import (
	"fmt"
	"io"
	"sort"
)

// Open flags as passed by guest code (Linux arm64 values).
const (
	O_RDONLY   = 0
	O_WRONLY   = 1
	O_RDWR     = 2
	O_ACCMODE  = 3
	O_CREAT    = 0o100
	O_EXCL     = 0o200
	O_TRUNC    = 0o1000
	O_APPEND   = 0o2000
	O_NOFOLLOW = 0o100000
)

// FirstDescriptor is the lowest descriptor Open hands out; 0-2 are stdio.
const FirstDescriptor = 3

type openFile struct {
	path  string
	flags int
	off   int64
}

func (f *openFile) readable() bool { return f.flags&O_ACCMODE != O_WRONLY }
func (f *openFile) writable() bool { return f.flags&O_ACCMODE != O_RDONLY }

// Table maps descriptors to open files of a store. Writes go straight
// through to the store so a reader never sees a half-written file.
type Table struct {
	store *Store
	files map[int]*openFile
}

// NewTable returns an empty descriptor table over s.
func NewTable(s *Store) *Table {
	return &Table{store: s, files: make(map[int]*openFile)}
}

// Store returns the backing store.
func (t *Table) Store() *Store { return t.store }

// Open opens p and returns the lowest free descriptor.
func (t *Table) Open(p string, flags int) (int, error) {
	p = Clean(p)
	info, err := t.store.Stat(p)
	switch {
	case err != nil && flags&O_CREAT == 0:
		return -1, err
	case err != nil:
		if err := t.store.Write(p, nil); err != nil {
			return -1, err
		}
	case info.Dir && flags&O_ACCMODE != O_RDONLY:
		return -1, fmt.Errorf("vfs: open %s: is a directory: %w", p, ErrIO)
	case flags&(O_CREAT|O_EXCL) == O_CREAT|O_EXCL:
		return -1, fmt.Errorf("vfs: open %s: %w", p, ErrExist)
	}

	// O_WRONLY truncates even without O_TRUNC.
	acc := flags & O_ACCMODE
	if !info.Dir && (acc == O_WRONLY || flags&O_TRUNC != 0) {
		if err := t.store.Write(p, nil); err != nil {
			return -1, err
		}
	}

	fd := FirstDescriptor
	for t.files[fd] != nil {
		fd++
	}
	t.files[fd] = &openFile{path: p, flags: flags}
	return fd, nil
}

func (t *Table) get(fd int) (*openFile, error) {
	f := t.files[fd]
	if f == nil {
		return nil, fmt.Errorf("vfs: fd %d: %w", fd, ErrBadDescriptor)
	}
	return f, nil
}

// Path returns the path an open descriptor refers to.
func (t *Table) Path(fd int) (string, error) {
	f, err := t.get(fd)
	if err != nil {
		return "", err
	}
	return f.path, nil
}

// Read reads up to n bytes at the descriptor offset.
func (t *Table) Read(fd int, n int) ([]byte, error) {
	f, err := t.get(fd)
	if err != nil {
		return nil, err
	}
	if !f.readable() {
		return nil, fmt.Errorf("vfs: read fd %d: not open for reading: %w", fd, ErrBadDescriptor)
	}
	data, err := t.store.Read(f.path)
	if err != nil {
		return nil, err
	}
	if f.off >= int64(len(data)) {
		return nil, nil
	}
	end := min(f.off+int64(n), int64(len(data)))
	out := data[f.off:end]
	f.off = end
	return out, nil
}

// Write writes b at the descriptor offset, extending the file as needed.
func (t *Table) Write(fd int, b []byte) (int, error) {
	f, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if !f.writable() {
		return 0, fmt.Errorf("vfs: write fd %d: not open for writing: %w", fd, ErrBadDescriptor)
	}
	data, err := t.store.Read(f.path)
	if err != nil {
		return 0, err
	}
	if f.flags&O_APPEND != 0 {
		f.off = int64(len(data))
	}
	if end := f.off + int64(len(b)); end > int64(len(data)) {
		data = append(data, make([]byte, end-int64(len(data)))...)
	}
	copy(data[f.off:], b)
	if err := t.store.Write(f.path, data); err != nil {
		return 0, err
	}
	f.off += int64(len(b))
	return len(b), nil
}

// Truncate sets the file length.
func (t *Table) Truncate(fd int, size int64) error {
	f, err := t.get(fd)
	if err != nil {
		return err
	}
	if !f.writable() || size < 0 {
		return fmt.Errorf("vfs: truncate fd %d: %w", fd, ErrBadDescriptor)
	}
	data, err := t.store.Read(f.path)
	if err != nil {
		return err
	}
	if size <= int64(len(data)) {
		data = data[:size]
	} else {
		data = append(data, make([]byte, size-int64(len(data)))...)
	}
	return t.store.Write(f.path, data)
}

// Seek moves the descriptor offset.
func (t *Table) Seek(fd int, offset int64, whence int) (int64, error) {
	f, err := t.get(fd)
	if err != nil {
		return -1, err
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.off
	case io.SeekEnd:
		info, err := t.store.Stat(f.path)
		if err != nil {
			return -1, err
		}
		base = int64(info.Size)
	default:
		return -1, fmt.Errorf("vfs: seek fd %d: whence %d: %w", fd, whence, ErrIO)
	}
	if base+offset < 0 {
		return -1, fmt.Errorf("vfs: seek fd %d: negative offset: %w", fd, ErrIO)
	}
	f.off = base + offset
	return f.off, nil
}

// Stat describes the file behind fd.
func (t *Table) Stat(fd int) (Info, error) {
	f, err := t.get(fd)
	if err != nil {
		return Info{}, err
	}
	return t.store.Stat(f.path)
}

// Close releases fd.
func (t *Table) Close(fd int) error {
	if _, err := t.get(fd); err != nil {
		return err
	}
	delete(t.files, fd)
	return nil
}

// Descriptors returns the open descriptors in ascending order.
func (t *Table) Descriptors() []int {
	out := make([]int, 0, len(t.files))
	for fd := range t.files {
		out = append(out, fd)
	}
	sort.Ints(out)
	return out
}

// Reset closes every descriptor.
func (t *Table) Reset() {
	clear(t.files)
}
