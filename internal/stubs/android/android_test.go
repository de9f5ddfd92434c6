package android

import (
	"testing"

	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/loader"
	"github.com/zboralski/anisette/internal/loader/elftest"
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

	image := (&elftest.Builder{
		Text:    elftest.NewAsm(elftest.TextAddr).MovW(0, 1).Ret().Bytes(),
		Symbols: []elftest.Symbol{{Name: "vdfut768ig", Value: elftest.TextAddr}},
	}).Build()
	img, err := loader.Parse("libCoreADI.so", image)
	if err != nil {
		t.Fatal(err)
	}
	lib, err := loader.Map(emu, img, 0)
	if err != nil {
		t.Fatal(err)
	}

	env := stubs.NewEnv(emu, vfs.New())
	env.Libraries = []*loader.Library{lib}
	return env
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

func stage(t *testing.T, env *stubs.Env, s string) uint64 {
	t.Helper()
	addr, err := env.StageString(s)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestDlopenDlsym(t *testing.T) {
	env := newEnv(t)

	h := call(t, env, stubDlopen, stage(t, env, "/system/lib64/libCoreADI.so"))
	if h != 1 {
		t.Fatalf("dlopen = %d, want 1", h)
	}
	want, _ := env.Libraries[0].Export("vdfut768ig")
	if got := call(t, env, stubDlsym, h, stage(t, env, "vdfut768ig")); got != want {
		t.Errorf("dlsym = 0x%x, want 0x%x", got, want)
	}
	if got := call(t, env, stubDlsym, 0, stage(t, env, "vdfut768ig")); got != want {
		t.Errorf("dlsym(RTLD_DEFAULT) = 0x%x, want 0x%x", got, want)
	}
	if msg := call(t, env, stubDlerror); msg != 0 {
		t.Errorf("dlerror after success = 0x%x, want NULL", msg)
	}
}

func TestDlsymMissing(t *testing.T) {
	env := newEnv(t)

	if got := call(t, env, stubDlsym, 1, stage(t, env, "missing")); got != 0 {
		t.Fatalf("dlsym(missing) = 0x%x, want 0", got)
	}
	msg := call(t, env, stubDlerror)
	if msg == 0 {
		t.Fatal("dlerror returned NULL after failure")
	}
	if s, _ := env.MemReadString(msg, 128); s == "" {
		t.Error("empty dlerror message")
	}
	if again := call(t, env, stubDlerror); again != 0 {
		t.Errorf("dlerror not cleared: 0x%x", again)
	}

	if h := call(t, env, stubDlopen, stage(t, env, "libfoo.so")); h != 0 {
		t.Errorf("dlopen(libfoo.so) = %d, want 0", h)
	}
	if got := call(t, env, stubDlsym, 9, stage(t, env, "vdfut768ig")); got != 0 {
		t.Errorf("dlsym with bad handle = 0x%x", got)
	}
}
