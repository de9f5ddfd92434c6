// Package vfs is the file system the vendor libraries see: a path-keyed
// byte store with a directory set, a prefix allow-list for guest access
// and a descriptor table with POSIX open semantics.
//
// The store never touches the host file system. State leaves a session
// only through Read, Snapshot or List.
package vfs

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned for paths with no file.
	ErrNotFound = errors.New("file not found")

	// ErrIO is returned when stored state cannot be decoded or updated.
	ErrIO = errors.New("i/o error")

	// ErrDenied is returned for guest access outside the allowed prefixes.
	ErrDenied = errors.New("path not allowed")

	// ErrExist is returned by an exclusive create of an existing file.
	ErrExist = errors.New("file exists")

	// ErrBadDescriptor is returned for unknown or wrongly opened descriptors.
	ErrBadDescriptor = errors.New("bad file descriptor")
)

// Mode bits reported by Stat.
const (
	ModeFile uint32 = 0o100644
	ModeDir  uint32 = 0o040755
)

// Info describes a stored path.
type Info struct {
	Path string
	Size uint64
	Dir  bool
}

// Mode returns the st_mode value for the entry.
func (i Info) Mode() uint32 {
	if i.Dir {
		return ModeDir
	}
	return ModeFile
}

// Store is a path-keyed byte store. It is safe for concurrent use; the
// emulator only ever touches it from one goroutine, the host may read it
// from another.
type Store struct {
	mu       sync.RWMutex
	prefixes []string
	files    map[string][]byte
	dirs     map[string]bool
}

// New returns an empty store. Guest access is limited to the given
// prefixes; with none, every path is allowed.
func New(prefixes ...string) *Store {
	s := &Store{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
	}
	for _, p := range prefixes {
		s.AllowPrefix(p)
	}
	return s
}

// Clean normalizes a path so "./anisette/adi.pb", "anisette//adi.pb" and
// "anisette/adi.pb" name the same file.
func Clean(p string) string {
	return path.Clean(strings.TrimSpace(p))
}

// AllowPrefix adds a directory prefix to the allow-list.
func (s *Store) AllowPrefix(prefix string) {
	if strings.TrimSpace(prefix) == "" {
		return
	}
	prefix = Clean(prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prefixes {
		if p == prefix {
			return
		}
	}
	s.prefixes = append(s.prefixes, prefix)
}

// Prefixes returns the allow-list.
func (s *Store) Prefixes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.prefixes...)
}

// Allowed reports whether guest code may touch p.
func (s *Store) Allowed(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowed(Clean(p))
}

func (s *Store) allowed(p string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, prefix := range s.prefixes {
		if prefix == "." || p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// Check returns ErrDenied when guest code may not touch p.
func (s *Store) Check(p string) error {
	if !s.Allowed(p) {
		return fmt.Errorf("vfs: %s: %w", p, ErrDenied)
	}
	return nil
}

// Write replaces the content at p. Parent directories are created.
func (s *Store) Write(p string, data []byte) error {
	p = Clean(p)
	if p == "." || p == "/" {
		return fmt.Errorf("vfs: write %q: %w", p, ErrIO)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirs[p] {
		return fmt.Errorf("vfs: write %s: is a directory: %w", p, ErrIO)
	}
	s.files[p] = append([]byte{}, data...)
	s.mkdirAll(path.Dir(p))
	return nil
}

// Read returns a copy of the content at p.
func (s *Store) Read(p string) ([]byte, error) {
	p = Clean(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[p]
	if !ok {
		return nil, fmt.Errorf("vfs: read %s: %w", p, ErrNotFound)
	}
	return append([]byte{}, data...), nil
}

// Exists reports whether p is a file or directory.
func (s *Store) Exists(p string) bool {
	_, err := s.Stat(p)
	return err == nil
}

// Stat describes p.
func (s *Store) Stat(p string) (Info, error) {
	p = Clean(p)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.files[p]; ok {
		return Info{Path: p, Size: uint64(len(data))}, nil
	}
	if s.dirs[p] || p == "." {
		return Info{Path: p, Dir: true}, nil
	}
	return Info{}, fmt.Errorf("vfs: stat %s: %w", p, ErrNotFound)
}

// Mkdir records p and its parents as directories.
func (s *Store) Mkdir(p string) error {
	p = Clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[p]; ok {
		return fmt.Errorf("vfs: mkdir %s: %w", p, ErrExist)
	}
	s.mkdirAll(p)
	return nil
}

func (s *Store) mkdirAll(p string) {
	for p != "." && p != "/" && p != "" {
		if s.dirs[p] {
			return
		}
		s.dirs[p] = true
		p = path.Dir(p)
	}
}

// Remove deletes the file at p.
func (s *Store) Remove(p string) error {
	p = Clean(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[p]; !ok {
		return fmt.Errorf("vfs: remove %s: %w", p, ErrNotFound)
	}
	delete(s.files, p)
	return nil
}

// List returns every file path in sorted order.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of files.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// CopyFrom writes every file of src into s.
func (s *Store) CopyFrom(src *Store) {
	for _, p := range src.List() {
		if data, err := src.Read(p); err == nil {
			s.Write(p, data)
		}
	}
}
