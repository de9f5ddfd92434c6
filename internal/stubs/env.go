package stubs

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/loader"
	glog "github.com/zboralski/anisette/internal/log"
	"github.com/zboralski/anisette/internal/vfs"
)

// ErrNullPointer is returned when a hook is handed NULL where the ABI
// requires a pointer.
var ErrNullPointer = errors.New("null pointer")

// Minus1 is -1 as a register value.
const Minus1 = ^uint64(0)

// MaxPath bounds C strings read from guest memory.
const MaxPath = 0x1000

// errno values (bionic, arm64).
const (
	ENOENT = 2
	EIO    = 5
	EBADF  = 9
	ENOMEM = 12
	EACCES = 13
	EEXIST = 17
	EINVAL = 22
)

// DefaultProperty is returned by __system_property_get for every name
// not found in Env.Properties.
const DefaultProperty = "no s/n number"

// Env is what a host hook sees: the machine, the session's file store and
// the libraries loaded into it. One Env exists per session.
type Env struct {
	*emulator.Emulator

	FS        *vfs.Store
	FDs       *vfs.Table
	Libraries []*loader.Library

	// Properties answers __system_property_get.
	Properties map[string]string

	// Now is the clock behind the time stubs.
	Now func() time.Time

	errno   uint64 // guest address, 0 until first use
	dlerror string
	objects map[string]uint64
	locals  map[any]any
	current *Binding
}

// NewEnv returns an environment over emu and fs.
func NewEnv(emu *emulator.Emulator, fs *vfs.Store) *Env {
	return &Env{
		Emulator:   emu,
		FS:         fs,
		FDs:        vfs.NewTable(fs),
		Properties: make(map[string]string),
		Now:        time.Now,
		objects:    make(map[string]uint64),
		locals:     make(map[any]any),
	}
}

// Arg returns argument register n.
func (env *Env) Arg(n int) uint64 { return env.X(n) }

// CString reads a NUL-terminated string argument.
func (env *Env) CString(addr uint64) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("string argument: %w", ErrNullPointer)
	}
	return env.MemReadString(addr, MaxPath)
}

// Log reports the running stub call.
func (env *Env) Log(detail string) {
	if env.current == nil {
		return
	}
	glog.L.Stub(env.LR(), env.current.Def.Category, env.current.Name, detail)
}

// Current returns the binding being dispatched, or nil.
func (env *Env) Current() *Binding { return env.current }

// ErrnoAddress returns the guest address of errno, allocating it on first
// use from the runtime data arena.
func (env *Env) ErrnoAddress() (uint64, error) {
	if env.errno != 0 {
		return env.errno, nil
	}
	addr := env.Data().Alloc(4)
	if addr == 0 {
		return 0, fmt.Errorf("errno: %w", emulator.ErrOutOfAddressSpace)
	}
	if err := env.MemWriteU32(addr, 0); err != nil {
		return 0, err
	}
	env.errno = addr
	return addr, nil
}

// SetErrno stores code in errno.
func (env *Env) SetErrno(code int) error {
	addr, err := env.ErrnoAddress()
	if err != nil {
		return err
	}
	return env.MemWriteU32(addr, uint32(code))
}

// Errno returns the current errno value, 0 before first use.
func (env *Env) Errno() int {
	if env.errno == 0 {
		return 0
	}
	v, err := env.MemReadU32(env.errno)
	if err != nil {
		return 0
	}
	return int(v)
}

// Fail sets errno and returns -1, the usual libc failure convention.
func (env *Env) Fail(code int) (uint64, error) {
	if err := env.SetErrno(code); err != nil {
		return 0, err
	}
	return Minus1, nil
}

// FailWith sets errno from a file store error and returns -1.
func (env *Env) FailWith(err error) (uint64, error) {
	return env.Fail(ErrnoOf(err))
}

// ErrnoOf maps file store errors to errno values.
func ErrnoOf(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vfs.ErrNotFound):
		return ENOENT
	case errors.Is(err, vfs.ErrDenied):
		return EACCES
	case errors.Is(err, vfs.ErrExist):
		return EEXIST
	case errors.Is(err, vfs.ErrBadDescriptor):
		return EBADF
	}
	return EIO
}

// Object returns the address of a bound data object.
func (env *Env) Object(name string) (uint64, bool) {
	addr, ok := env.objects[name]
	return addr, ok
}

// LibraryIndex finds a loaded library by file name, ignoring directories.
func (env *Env) LibraryIndex(name string) (int, bool) {
	base := path.Base(name)
	for i, lib := range env.Libraries {
		if path.Base(lib.Name) == base {
			return i, true
		}
	}
	return -1, false
}

// SetDlerror records the message returned by the next dlerror call.
func (env *Env) SetDlerror(msg string) { env.dlerror = msg }

// TakeDlerror returns and clears the dlerror message.
func (env *Env) TakeDlerror() string {
	msg := env.dlerror
	env.dlerror = ""
	return msg
}

// Property returns the value of a system property.
func (env *Env) Property(name string) string {
	if v, ok := env.Properties[name]; ok {
		return v
	}
	return DefaultProperty
}

// Local returns per-session state for a stub package, creating it with mk
// on first use. Keys should be unexported types of the calling package.
func (env *Env) Local(key any, mk func() any) any {
	v, ok := env.locals[key]
	if !ok {
		v = mk()
		env.locals[key] = v
	}
	return v
}
