package libc

import (
	"fmt"

	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/stubs"
)

// Random is the value arc4random returns.
const Random = 0xDEADBEEF

// stdio FILE objects in __sF; bionic's struct __sFILE is 152 bytes.
const sFILESize = 152

func init() {
	stubs.RegisterFunc("libc", "__errno", stubErrno, "__errno_location")
	stubs.RegisterFunc("libc", "__system_property_get", stubSystemPropertyGet)
	stubs.RegisterConst("libc", Random, "arc4random", "lrand48", "rand")
	stubs.RegisterFunc("libc", "arc4random_buf", stubArc4randomBuf)
	stubs.RegisterConst("libc", 0, "srand", "srand48", "atexit")
	stubs.RegisterConst("libc", 1000, "getpid", "gettid", "getuid", "geteuid")
	stubs.RegisterFunc("libc", "sysconf", stubSysconf)

	// Process termination and fortify failures end the call.
	stubs.RegisterFatal("libc", "abort", "exit", "_exit", "_Exit", "raise",
		"__stack_chk_fail", "__assert2", "__assert", "__fortify_fatal")

	// Formatted I/O is imported but never reached on the provisioning paths.
	stubs.RegisterFatal("libc", "printf", "fprintf", "vfprintf", "sprintf", "snprintf",
		"vsnprintf", "vsprintf", "sscanf", "vasprintf", "asprintf",
		"fopen", "fclose", "fread", "fwrite", "fflush", "fputs", "fputc", "puts", "putchar",
		"__vsnprintf_chk", "__snprintf_chk", "__sprintf_chk")

	stubs.RegisterData("libc", "__stack_chk_guard", 8, initStackGuard)
	stubs.RegisterData("libc", "__sF", 3*sFILESize, nil)
	stubs.RegisterData("libc", "environ", 8, nil)
	stubs.RegisterData("libc", "__progname", 8, initProgname)
}

func stubErrno(env *stubs.Env) (uint64, error) {
	addr, err := env.ErrnoAddress()
	if err != nil {
		return 0, err
	}
	env.Log(stubs.FormatPtr("->", addr))
	return addr, nil
}

func stubSystemPropertyGet(env *stubs.Env) (uint64, error) {
	name, err := env.CString(env.Arg(0))
	if err != nil {
		return 0, err
	}
	out := env.Arg(1)
	if out == 0 {
		return 0, fmt.Errorf("property %s: %w", name, stubs.ErrNullPointer)
	}
	value := env.Property(name)
	if err := env.MemWrite(out, []byte(value)); err != nil {
		return 0, err
	}
	env.Log(fmt.Sprintf("%s -> %q", name, value))
	return uint64(len(value)), nil
}

func stubArc4randomBuf(env *stubs.Env) (uint64, error) {
	buf, n := env.Arg(0), env.Arg(1)
	if err := checkBlock(n); err != nil {
		return 0, err
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(uint32(Random) >> (8 * (i % 4)))
	}
	return 0, env.MemWrite(buf, out)
}

const scPageSize = 39 // _SC_PAGESIZE on bionic

func stubSysconf(env *stubs.Env) (uint64, error) {
	if env.Arg(0) == scPageSize {
		return emulator.PageSize, nil
	}
	return 1, nil
}

func initStackGuard(env *stubs.Env, addr uint64) error {
	return env.MemWriteU64(addr, emulator.StackGuard)
}

func initProgname(env *stubs.Env, addr uint64) error {
	name := env.Data().Alloc(16)
	if name == 0 {
		return emulator.ErrOutOfAddressSpace
	}
	if err := env.MemWriteString(name, "anisette"); err != nil {
		return err
	}
	return env.MemWriteU64(addr, name)
}
