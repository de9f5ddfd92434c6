// Package libc provides the bionic subset the vendor libraries import.
// Import this package to register its stubs with the default registry.
package libc

import (
	"github.com/zboralski/anisette/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "malloc", stubMalloc)
	stubs.RegisterFunc("libc", "calloc", stubCalloc)
	stubs.RegisterFunc("libc", "realloc", stubRealloc)
	stubs.RegisterFunc("libc", "posix_memalign", stubPosixMemalign)
	stubs.RegisterConst("libc", 0, "free")
	stubs.RegisterConst("libc", 4096, "getpagesize")

	// C++ operator new/delete
	stubs.Register(stubs.StubDef{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_ZnwmRKSt9nothrow_t", "_ZnamRKSt9nothrow_t"},
		Category: "libc",
		Kind:     stubs.Func,
		Hook:     stubMalloc,
	})
	stubs.Register(stubs.StubDef{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Category: "libc",
		Kind:     stubs.Const,
	})
}

// Heap memory is never reused, so fresh allocations are already zero.

func stubMalloc(env *stubs.Env) (uint64, error) {
	size := env.Arg(0)
	ptr := env.Malloc(size)
	env.Log(stubs.FormatPtrPair("size", size, "->", ptr))
	return ptr, nil
}

func stubCalloc(env *stubs.Env) (uint64, error) {
	count, size := env.Arg(0), env.Arg(1)
	total := count * size
	if size != 0 && total/size != count {
		env.Log("overflow")
		return 0, nil
	}
	ptr := env.Malloc(total)
	env.Log(stubs.FormatPtrPair("total", total, "->", ptr))
	return ptr, nil
}

func stubRealloc(env *stubs.Env) (uint64, error) {
	old, size := env.Arg(0), env.Arg(1)
	ptr := env.Malloc(size)
	if ptr != 0 && old != 0 {
		if n, ok := env.Heap().SizeOf(old); ok {
			data, err := env.MemRead(old, min(n, size))
			if err != nil {
				return 0, err
			}
			if err := env.MemWrite(ptr, data); err != nil {
				return 0, err
			}
		}
	}
	env.Log(stubs.FormatPtrPair("old", old, "->", ptr))
	return ptr, nil
}

func stubPosixMemalign(env *stubs.Env) (uint64, error) {
	out, align, size := env.Arg(0), env.Arg(1), env.Arg(2)
	if align == 0 || align&(align-1) != 0 {
		return stubs.EINVAL, nil
	}
	// Over-allocate and round up; the heap is a bump arena.
	ptr := env.Malloc(size + align)
	if ptr == 0 {
		return stubs.ENOMEM, nil
	}
	ptr = (ptr + align - 1) &^ (align - 1)
	if err := env.MemWriteU64(out, ptr); err != nil {
		return 0, err
	}
	env.Log(stubs.FormatPtrPair("align", align, "->", ptr))
	return 0, nil
}
