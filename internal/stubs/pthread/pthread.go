// Package pthread provides pthread stubs. Guest code runs on a single
// emulated thread, so locks always succeed and once-routines and thread
// entry points are never invoked.
package pthread

import (
	"fmt"

	"github.com/zboralski/anisette/internal/stubs"
)

// mainThread is the pthread_t handed out by pthread_self.
const mainThread = 0x1000

func init() {
	stubs.RegisterConst("pthread", 0,
		"pthread_once", "pthread_create", "pthread_join", "pthread_detach",
		"pthread_mutex_init", "pthread_mutex_destroy", "pthread_mutex_lock",
		"pthread_mutex_trylock", "pthread_mutex_unlock",
		"pthread_mutexattr_init", "pthread_mutexattr_destroy", "pthread_mutexattr_settype",
		"pthread_rwlock_init", "pthread_rwlock_destroy", "pthread_rwlock_rdlock",
		"pthread_rwlock_wrlock", "pthread_rwlock_unlock",
		"pthread_cond_init", "pthread_cond_destroy", "pthread_cond_signal",
		"pthread_cond_broadcast", "pthread_cond_wait", "pthread_cond_timedwait",
		"pthread_attr_init", "pthread_attr_destroy", "pthread_attr_setdetachstate",
		"pthread_attr_setstacksize", "pthread_setname_np",
	)
	stubs.RegisterConst("pthread", mainThread, "pthread_self")

	stubs.RegisterFunc("pthread", "pthread_key_create", stubKeyCreate)
	stubs.RegisterFunc("pthread", "pthread_key_delete", stubKeyDelete)
	stubs.RegisterFunc("pthread", "pthread_getspecific", stubGetspecific)
	stubs.RegisterFunc("pthread", "pthread_setspecific", stubSetspecific)
}

type tlsKey struct{}

type tls struct {
	next   uint64
	values map[uint64]uint64
}

func keys(env *stubs.Env) *tls {
	return env.Local(tlsKey{}, func() any {
		return &tls{next: 1, values: make(map[uint64]uint64)}
	}).(*tls)
}

func stubKeyCreate(env *stubs.Env) (uint64, error) {
	out := env.Arg(0)
	t := keys(env)
	key := t.next
	t.next++
	t.values[key] = 0
	if err := env.MemWriteU32(out, uint32(key)); err != nil {
		return 0, err
	}
	env.Log(fmt.Sprintf("key=%d", key))
	return 0, nil
}

func stubKeyDelete(env *stubs.Env) (uint64, error) {
	delete(keys(env).values, uint64(uint32(env.Arg(0))))
	return 0, nil
}

func stubGetspecific(env *stubs.Env) (uint64, error) {
	return keys(env).values[uint64(uint32(env.Arg(0)))], nil
}

func stubSetspecific(env *stubs.Env) (uint64, error) {
	key := uint64(uint32(env.Arg(0)))
	t := keys(env)
	if _, ok := t.values[key]; !ok {
		return stubs.EINVAL, nil
	}
	t.values[key] = env.Arg(1)
	return 0, nil
}
