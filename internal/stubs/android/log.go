package android

import (
	"github.com/zboralski/anisette/internal/stubs"
)

func init() {
	stubs.RegisterFunc("android", "__android_log_print", stubLogPrint, "__android_log_vprint")
	stubs.RegisterFunc("android", "__android_log_write", stubLogWrite)
	stubs.RegisterConst("android", 0, "openlog", "syslog", "closelog")
	stubs.RegisterFatal("android", "__android_log_assert")
}

// int __android_log_print(int prio, const char *tag, const char *fmt, ...)
// The format is logged unexpanded.
func stubLogPrint(env *stubs.Env) (uint64, error) {
	tag, _ := env.MemReadString(env.Arg(1), 64)
	format, _ := env.MemReadString(env.Arg(2), 256)
	env.Log(tag + ": " + format)
	return uint64(len(format)), nil
}

func stubLogWrite(env *stubs.Env) (uint64, error) {
	tag, _ := env.MemReadString(env.Arg(1), 64)
	text, _ := env.MemReadString(env.Arg(2), 256)
	env.Log(tag + ": " + text)
	return uint64(len(text)), nil
}
