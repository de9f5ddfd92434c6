package libc

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/zboralski/anisette/internal/stubs"
)

// maxBlock bounds a single memory operation.
const maxBlock = 0x1000000

func init() {
	stubs.RegisterFunc("libc", "strlen", stubStrlen)
	stubs.RegisterFunc("libc", "memcpy", stubMemcpy, "memmove", "__memcpy_chk", "__memmove_chk")
	stubs.RegisterFunc("libc", "memset", stubMemset, "__memset_chk")
	stubs.RegisterFunc("libc", "memcmp", stubMemcmp, "bcmp")
	stubs.RegisterFunc("libc", "memchr", stubMemchr)
	stubs.RegisterFunc("libc", "strcmp", stubStrcmp)
	stubs.RegisterFunc("libc", "strncmp", stubStrncmp)
	stubs.RegisterFunc("libc", "strcpy", stubStrcpy, "__strcpy_chk")
	stubs.RegisterFunc("libc", "strncpy", stubStrncpy, "__strncpy_chk")
	stubs.RegisterFunc("libc", "strcat", stubStrcat, "__strcat_chk")
	stubs.RegisterFunc("libc", "strchr", stubStrchr, "__strchr_chk")
	stubs.RegisterFunc("libc", "strrchr", stubStrrchr)
	stubs.RegisterFunc("libc", "strstr", stubStrstr)
	stubs.RegisterFunc("libc", "strdup", stubStrdup)
}

func checkBlock(n uint64) error {
	if n > maxBlock {
		return fmt.Errorf("length 0x%x exceeds 0x%x", n, maxBlock)
	}
	return nil
}

func sign(c int) uint64 {
	switch {
	case c < 0:
		return stubs.Minus1
	case c > 0:
		return 1
	}
	return 0
}

func stubStrlen(env *stubs.Env) (uint64, error) {
	s, err := env.CString(env.Arg(0))
	if err != nil {
		return 0, err
	}
	env.Log(stubs.FormatPtr("len", uint64(len(s))))
	return uint64(len(s)), nil
}

// memmove semantics: the source is read completely before writing.
func stubMemcpy(env *stubs.Env) (uint64, error) {
	dest, src, n := env.Arg(0), env.Arg(1), env.Arg(2)
	if err := checkBlock(n); err != nil {
		return 0, err
	}
	if n > 0 {
		data, err := env.MemRead(src, n)
		if err != nil {
			return 0, err
		}
		if err := env.MemWrite(dest, data); err != nil {
			return 0, err
		}
	}
	env.Log(fmt.Sprintf("dest=0x%x src=0x%x n=%d", dest, src, n))
	return dest, nil
}

func stubMemset(env *stubs.Env) (uint64, error) {
	dest, c, n := env.Arg(0), byte(env.Arg(1)), env.Arg(2)
	if err := checkBlock(n); err != nil {
		return 0, err
	}
	if n > 0 {
		if err := env.MemWrite(dest, bytes.Repeat([]byte{c}, int(n))); err != nil {
			return 0, err
		}
	}
	env.Log(stubs.FormatPtrPair("dest", dest, "c", uint64(c)))
	return dest, nil
}

func stubMemcmp(env *stubs.Env) (uint64, error) {
	n := env.Arg(2)
	if err := checkBlock(n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	s1, err := env.MemRead(env.Arg(0), n)
	if err != nil {
		return 0, err
	}
	s2, err := env.MemRead(env.Arg(1), n)
	if err != nil {
		return 0, err
	}
	return sign(bytes.Compare(s1, s2)), nil
}

func stubMemchr(env *stubs.Env) (uint64, error) {
	s, c, n := env.Arg(0), byte(env.Arg(1)), env.Arg(2)
	if err := checkBlock(n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	data, err := env.MemRead(s, n)
	if err != nil {
		return 0, err
	}
	if i := bytes.IndexByte(data, c); i >= 0 {
		return s + uint64(i), nil
	}
	return 0, nil
}

func stubStrcmp(env *stubs.Env) (uint64, error) {
	s1, err := env.CString(env.Arg(0))
	if err != nil {
		return 0, err
	}
	s2, err := env.CString(env.Arg(1))
	if err != nil {
		return 0, err
	}
	return sign(strings.Compare(s1, s2)), nil
}

func stubStrncmp(env *stubs.Env) (uint64, error) {
	n := int(min(env.Arg(2), stubs.MaxPath))
	if n == 0 {
		return 0, nil
	}
	s1, err := env.MemReadString(env.Arg(0), n)
	if err != nil {
		return 0, err
	}
	s2, err := env.MemReadString(env.Arg(1), n)
	if err != nil {
		return 0, err
	}
	return sign(strings.Compare(s1, s2)), nil
}

func stubStrcpy(env *stubs.Env) (uint64, error) {
	dest := env.Arg(0)
	s, err := env.CString(env.Arg(1))
	if err != nil {
		return 0, err
	}
	return dest, env.MemWriteString(dest, s)
}

// strncpy copies at most n bytes and pads the rest of dest with zeros.
func stubStrncpy(env *stubs.Env) (uint64, error) {
	dest, src, n := env.Arg(0), env.Arg(1), env.Arg(2)
	if err := checkBlock(n); err != nil {
		return 0, err
	}
	if n == 0 {
		return dest, nil
	}
	s, err := env.MemReadCString(src, int(n))
	if err != nil {
		return 0, err
	}
	out := make([]byte, n)
	copy(out, s)
	env.Log(fmt.Sprintf("%q n=%d", s, n))
	return dest, env.MemWrite(dest, out)
}

func stubStrcat(env *stubs.Env) (uint64, error) {
	dest := env.Arg(0)
	d, err := env.CString(dest)
	if err != nil {
		return 0, err
	}
	s, err := env.CString(env.Arg(1))
	if err != nil {
		return 0, err
	}
	return dest, env.MemWriteString(dest+uint64(len(d)), s)
}

func stubStrchr(env *stubs.Env) (uint64, error) {
	addr := env.Arg(0)
	s, err := env.CString(addr)
	if err != nil {
		return 0, err
	}
	c := byte(env.Arg(1))
	if c == 0 {
		return addr + uint64(len(s)), nil
	}
	if i := strings.IndexByte(s, c); i >= 0 {
		return addr + uint64(i), nil
	}
	return 0, nil
}

func stubStrrchr(env *stubs.Env) (uint64, error) {
	addr := env.Arg(0)
	s, err := env.CString(addr)
	if err != nil {
		return 0, err
	}
	c := byte(env.Arg(1))
	if c == 0 {
		return addr + uint64(len(s)), nil
	}
	if i := strings.LastIndexByte(s, c); i >= 0 {
		return addr + uint64(i), nil
	}
	return 0, nil
}

func stubStrstr(env *stubs.Env) (uint64, error) {
	addr := env.Arg(0)
	s, err := env.CString(addr)
	if err != nil {
		return 0, err
	}
	sub, err := env.CString(env.Arg(1))
	if err != nil {
		return 0, err
	}
	if i := strings.Index(s, sub); i >= 0 {
		return addr + uint64(i), nil
	}
	return 0, nil
}

func stubStrdup(env *stubs.Env) (uint64, error) {
	s, err := env.CString(env.Arg(0))
	if err != nil {
		return 0, err
	}
	ptr := env.Malloc(uint64(len(s)) + 1)
	if ptr == 0 {
		return 0, nil
	}
	return ptr, env.MemWriteString(ptr, s)
}
