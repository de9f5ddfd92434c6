// Package android provides the bionic-specific imports: the dynamic
// linker interface over the session's loaded libraries, system logging
// and the Android log.
package android

import (
	"fmt"

	"github.com/zboralski/anisette/internal/stubs"
)

func init() {
	stubs.RegisterFunc("android", "dlopen", stubDlopen, "android_dlopen_ext")
	stubs.RegisterFunc("android", "dlsym", stubDlsym)
	stubs.RegisterConst("android", 0, "dlclose", "dladdr", "dl_iterate_phdr")
	stubs.RegisterFunc("android", "dlerror", stubDlerror)
}

// Handles are library index + 1 so that NULL stays an error.

func stubDlopen(env *stubs.Env) (uint64, error) {
	path, err := env.CString(env.Arg(0))
	if err != nil {
		return 0, err
	}
	idx, ok := env.LibraryIndex(path)
	if !ok {
		env.SetDlerror(fmt.Sprintf("dlopen failed: library %q not found", path))
		env.Log(fmt.Sprintf("%q -> not loaded", path))
		return 0, nil
	}
	handle := uint64(idx) + 1
	env.Log(fmt.Sprintf("%q -> %d", path, handle))
	return handle, nil
}

// stubDlsym searches one library, or every library for RTLD_DEFAULT (0).
func stubDlsym(env *stubs.Env) (uint64, error) {
	handle := env.Arg(0)
	name, err := env.CString(env.Arg(1))
	if err != nil {
		return 0, err
	}

	libs := env.Libraries
	if handle != 0 {
		if handle > uint64(len(env.Libraries)) {
			env.SetDlerror(fmt.Sprintf("dlsym: invalid handle %d", handle))
			return 0, nil
		}
		libs = env.Libraries[handle-1 : handle]
	}
	for _, lib := range libs {
		if addr, ok := lib.Export(name); ok {
			env.Log(fmt.Sprintf("%s:%s -> 0x%x", lib.Name, name, addr))
			return addr, nil
		}
	}
	env.SetDlerror(fmt.Sprintf("dlsym: undefined symbol %q", name))
	env.Log(fmt.Sprintf("%s -> not found", name))
	return 0, nil
}

func stubDlerror(env *stubs.Env) (uint64, error) {
	msg := env.TakeDlerror()
	if msg == "" {
		return 0, nil
	}
	ptr := env.Malloc(uint64(len(msg)) + 1)
	if ptr == 0 {
		return 0, nil
	}
	return ptr, env.MemWriteString(ptr, msg)
}
