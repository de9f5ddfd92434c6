package libc

import (
	"encoding/binary"
	"fmt"

	"github.com/zboralski/anisette/internal/stubs"
	"github.com/zboralski/anisette/internal/vfs"
)

// StatSize is sizeof(struct stat) on arm64 bionic.
const StatSize = 128

// Dispatched file operations all go through the session file store.
// Paths outside the allowed prefixes behave as missing.

func init() {
	stubs.RegisterFunc("libc", "open", stubOpen, "open64", "__open_2")
	stubs.RegisterFunc("libc", "close", stubClose)
	stubs.RegisterFunc("libc", "read", stubRead, "__read_chk")
	stubs.RegisterFunc("libc", "write", stubWrite)
	stubs.RegisterFunc("libc", "ftruncate", stubFtruncate, "ftruncate64")
	stubs.RegisterFunc("libc", "lseek", stubLseek, "lseek64")
	stubs.RegisterFunc("libc", "lstat", stubLstat, "stat", "lstat64", "stat64")
	stubs.RegisterFunc("libc", "fstat", stubFstat, "fstat64")
	stubs.RegisterFunc("libc", "access", stubAccess)
	stubs.RegisterFunc("libc", "unlink", stubUnlink, "remove")
	stubs.RegisterFunc("libc", "mkdir", stubMkdir)
	stubs.RegisterFunc("libc", "chmod", stubChmod, "fchmod")
	stubs.RegisterConst("libc", 0o777, "umask")
	stubs.RegisterConst("libc", 0, "fsync", "fdatasync", "flock")
}

// statBytes lays out struct stat the way the vendor code has always been
// fed it: mode at 16, the uid word holding 0x81a4, size at 48 and a fixed
// mtime of 0x01010000.
func statBytes(mode uint32, size uint64) []byte {
	b := make([]byte, StatSize)
	binary.LittleEndian.PutUint32(b[16:], mode)
	copy(b[24:], []byte{0xA4, 0x81, 0x00, 0x00})
	binary.LittleEndian.PutUint64(b[48:], size)
	copy(b[88:], []byte{0x00, 0x00, 0x01, 0x01})
	return b
}

func writeStat(env *stubs.Env, out uint64, info vfs.Info) error {
	if out == 0 {
		return fmt.Errorf("stat buffer: %w", stubs.ErrNullPointer)
	}
	return env.MemWrite(out, statBytes(info.Mode(), info.Size))
}

func fdArg(env *stubs.Env, n int) int { return int(int32(env.Arg(n))) }

func stubOpen(env *stubs.Env) (uint64, error) {
	path, err := env.CString(env.Arg(0))
	if err != nil {
		return 0, err
	}
	flags := int(env.Arg(1))
	if path == "" {
		return env.Fail(stubs.ENOENT)
	}
	if !env.FS.Allowed(path) {
		env.Log(fmt.Sprintf("%q %#o denied", path, flags))
		return env.Fail(stubs.ENOENT)
	}
	fd, err := env.FDs.Open(path, flags)
	if err != nil {
		env.Log(fmt.Sprintf("%q %#o: %v", path, flags, err))
		return env.FailWith(err)
	}
	env.Log(fmt.Sprintf("%q %#o -> %d", path, flags, fd))
	return uint64(fd), nil
}

func stubClose(env *stubs.Env) (uint64, error) {
	fd := fdArg(env, 0)
	if err := env.FDs.Close(fd); err != nil {
		return env.FailWith(err)
	}
	env.Log(fmt.Sprintf("%d", fd))
	return 0, nil
}

func stubRead(env *stubs.Env) (uint64, error) {
	fd, buf, count := fdArg(env, 0), env.Arg(1), env.Arg(2)
	if err := checkBlock(count); err != nil {
		return 0, err
	}
	data, err := env.FDs.Read(fd, int(count))
	if err != nil {
		return env.FailWith(err)
	}
	if len(data) > 0 {
		if err := env.MemWrite(buf, data); err != nil {
			return 0, err
		}
	}
	env.Log(fmt.Sprintf("%d n=%d -> %d", fd, count, len(data)))
	return uint64(len(data)), nil
}

func stubWrite(env *stubs.Env) (uint64, error) {
	fd, buf, count := fdArg(env, 0), env.Arg(1), env.Arg(2)
	if err := checkBlock(count); err != nil {
		return 0, err
	}
	var data []byte
	if count > 0 {
		var err error
		if data, err = env.MemRead(buf, count); err != nil {
			return 0, err
		}
	}
	n, err := env.FDs.Write(fd, data)
	if err != nil {
		return env.FailWith(err)
	}
	env.Log(fmt.Sprintf("%d n=%d", fd, n))
	return uint64(n), nil
}

func stubFtruncate(env *stubs.Env) (uint64, error) {
	fd, length := fdArg(env, 0), int64(env.Arg(1))
	if err := env.FDs.Truncate(fd, length); err != nil {
		return env.FailWith(err)
	}
	env.Log(fmt.Sprintf("%d len=%d", fd, length))
	return 0, nil
}

func stubLseek(env *stubs.Env) (uint64, error) {
	fd, off, whence := fdArg(env, 0), int64(env.Arg(1)), int(env.Arg(2))
	pos, err := env.FDs.Seek(fd, off, whence)
	if err != nil {
		return env.FailWith(err)
	}
	return uint64(pos), nil
}

func stubLstat(env *stubs.Env) (uint64, error) {
	path, err := env.CString(env.Arg(0))
	if err != nil {
		return 0, err
	}
	if !env.FS.Allowed(path) {
		return env.Fail(stubs.ENOENT)
	}
	info, err := env.FS.Stat(path)
	if err != nil {
		env.Log(fmt.Sprintf("%q: not found", path))
		return env.FailWith(err)
	}
	env.Log(fmt.Sprintf("%q size=%d", path, info.Size))
	return 0, writeStat(env, env.Arg(1), info)
}

func stubFstat(env *stubs.Env) (uint64, error) {
	fd := fdArg(env, 0)
	info, err := env.FDs.Stat(fd)
	if err != nil {
		return env.FailWith(err)
	}
	env.Log(fmt.Sprintf("%d size=%d", fd, info.Size))
	return 0, writeStat(env, env.Arg(1), info)
}

func stubAccess(env *stubs.Env) (uint64, error) {
	path, err := env.CString(env.Arg(0))
	if err != nil {
		return 0, err
	}
	if !env.FS.Allowed(path) || !env.FS.Exists(path) {
		return env.Fail(stubs.ENOENT)
	}
	return 0, nil
}

func stubUnlink(env *stubs.Env) (uint64, error) {
	path, err := env.CString(env.Arg(0))
	if err != nil {
		return 0, err
	}
	if !env.FS.Allowed(path) {
		return env.Fail(stubs.ENOENT)
	}
	if err := env.FS.Remove(path); err != nil {
		return env.FailWith(err)
	}
	env.Log(fmt.Sprintf("%q", path))
	return 0, nil
}

func stubMkdir(env *stubs.Env) (uint64, error) {
	path, err := env.CString(env.Arg(0))
	if err != nil {
		return 0, err
	}
	mode := env.Arg(1)
	if !env.FS.Allowed(path) {
		env.Log(fmt.Sprintf("%q %#o denied", path, mode))
		return env.Fail(stubs.ENOENT)
	}
	if err := env.FS.Mkdir(path); err != nil {
		return env.FailWith(err)
	}
	env.Log(fmt.Sprintf("%q %#o", path, mode))
	return 0, nil
}

func stubChmod(env *stubs.Env) (uint64, error) {
	env.Log(fmt.Sprintf("%#o", env.Arg(1)))
	return 0, nil
}
