package pthread

import (
	"testing"

	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/stubs"
	"github.com/zboralski/anisette/internal/vfs"
)

func newEnv(t *testing.T) *stubs.Env {
	t.Helper()
	emu, err := emulator.New(emulator.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return stubs.NewEnv(emu, vfs.New())
}

func call(t *testing.T, env *stubs.Env, hook stubs.HookFunc, args ...uint64) uint64 {
	t.Helper()
	for i, a := range args {
		env.SetX(i, a)
	}
	ret, err := hook(env)
	if err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	return ret
}

func TestThreadSpecific(t *testing.T) {
	env := newEnv(t)
	out := env.Malloc(4)

	call(t, env, stubKeyCreate, out)
	key, _ := env.MemReadU32(out)
	if key == 0 {
		t.Fatal("pthread_key_create returned key 0")
	}

	if r := call(t, env, stubSetspecific, uint64(key), 0xabc); r != 0 {
		t.Fatalf("pthread_setspecific = %d", r)
	}
	if v := call(t, env, stubGetspecific, uint64(key)); v != 0xabc {
		t.Errorf("pthread_getspecific = 0x%x, want 0xabc", v)
	}

	call(t, env, stubKeyDelete, uint64(key))
	if r := call(t, env, stubSetspecific, uint64(key), 1); r != stubs.EINVAL {
		t.Errorf("setspecific on deleted key = %d, want EINVAL", r)
	}
}

func TestKeysArePerSession(t *testing.T) {
	a, b := newEnv(t), newEnv(t)
	out := a.Malloc(4)
	call(t, a, stubKeyCreate, out)
	key, _ := a.MemReadU32(out)
	call(t, a, stubSetspecific, uint64(key), 7)

	if v := call(t, b, stubGetspecific, uint64(key)); v != 0 {
		t.Errorf("key leaked across sessions: 0x%x", v)
	}
}
