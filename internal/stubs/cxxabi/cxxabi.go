// Package cxxabi provides the C++ runtime entry points the vendor
// libraries import. Exceptions and unwinding are not supported: reaching
// any of them ends the call.
package cxxabi

import (
	"github.com/zboralski/anisette/internal/stubs"
)

func init() {
	// Exit handlers are recorded nowhere; sessions end by teardown.
	stubs.RegisterConst("cxxabi", 0, "__cxa_atexit", "__cxa_finalize", "__cxa_thread_atexit_impl")

	// Static initialization guards
	stubs.RegisterFunc("cxxabi", "__cxa_guard_acquire", stubGuardAcquire)
	stubs.RegisterConst("cxxabi", 0, "__cxa_guard_release", "__cxa_guard_abort")

	stubs.RegisterFatal("cxxabi",
		"__cxa_throw", "__cxa_rethrow", "__cxa_allocate_exception", "__cxa_begin_catch",
		"__cxa_end_catch", "__cxa_free_exception", "__cxa_call_unexpected",
		"__cxa_bad_cast", "__cxa_bad_typeid", "__cxa_pure_virtual", "__cxa_deleted_virtual",
		"_Unwind_Resume", "_Unwind_RaiseException", "_Unwind_DeleteException",
		"_ZSt9terminatev", "__gxx_personality_v0",
	)
}

// stubGuardAcquire returns 1 the first time a guard is seen, telling the
// caller to run the initializer, and 0 afterwards. Bit 0 of the guard
// word is set on acquire.
func stubGuardAcquire(env *stubs.Env) (uint64, error) {
	guard := env.Arg(0)
	b, err := env.MemReadU8(guard)
	if err != nil {
		return 0, err
	}
	if b&1 != 0 {
		return 0, nil
	}
	if err := env.MemWriteU8(guard, 1); err != nil {
		return 0, err
	}
	env.Log(stubs.FormatPtr("guard", guard))
	return 1, nil
}
