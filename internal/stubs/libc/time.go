package libc

import (
	"errors"
	"fmt"

	"github.com/zboralski/anisette/internal/stubs"
)

// ErrTimezone is returned by gettimeofday when handed a timezone pointer.
var ErrTimezone = errors.New("gettimeofday: timezone pointer must be null")

func init() {
	stubs.RegisterFunc("libc", "gettimeofday", stubGettimeofday)
	stubs.RegisterFunc("libc", "clock_gettime", stubClockGettime)
	stubs.RegisterFunc("libc", "time", stubTime)
	stubs.RegisterConst("libc", 0, "nanosleep", "usleep", "sleep")
}

func stubGettimeofday(env *stubs.Env) (uint64, error) {
	tv, tz := env.Arg(0), env.Arg(1)
	if tz != 0 {
		return 0, fmt.Errorf("tz=0x%x: %w", tz, ErrTimezone)
	}
	now := env.Now()
	sec, usec := uint64(now.Unix()), uint64(now.Nanosecond()/1000)
	if tv != 0 {
		// struct timeval { time_t tv_sec; suseconds_t tv_usec; }
		if err := env.MemWriteU64(tv, sec); err != nil {
			return 0, err
		}
		if err := env.MemWriteU64(tv+8, usec); err != nil {
			return 0, err
		}
	}
	env.Log(stubs.FormatPtrPair("tv", tv, "sec", sec))
	return 0, nil
}

func stubClockGettime(env *stubs.Env) (uint64, error) {
	tp := env.Arg(1)
	if tp == 0 {
		return env.Fail(stubs.EINVAL)
	}
	now := env.Now()
	// struct timespec { time_t tv_sec; long tv_nsec; }
	if err := env.MemWriteU64(tp, uint64(now.Unix())); err != nil {
		return 0, err
	}
	if err := env.MemWriteU64(tp+8, uint64(now.Nanosecond())); err != nil {
		return 0, err
	}
	env.Log(stubs.FormatPtrPair("clock", env.Arg(0), "sec", uint64(now.Unix())))
	return 0, nil
}

func stubTime(env *stubs.Env) (uint64, error) {
	sec := uint64(env.Now().Unix())
	if tloc := env.Arg(0); tloc != 0 {
		if err := env.MemWriteU64(tloc, sec); err != nil {
			return 0, err
		}
	}
	env.Log(stubs.FormatPtr("sec", sec))
	return sec, nil
}
