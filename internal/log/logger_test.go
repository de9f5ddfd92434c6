package log

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStubCallback(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{Logger: zap.New(core)}

	var got []string
	l.SetOnStub(func(pc uint64, category, name, detail string) {
		got = append(got, category+"/"+name+"/"+detail)
	})
	l.WithCategory("libc").Stub(0x100010, "libc", "open", "adi.pb")

	if len(got) != 1 || got[0] != "libc/open/adi.pb" {
		t.Fatalf("callback got %v", got)
	}
	entries := logs.FilterMessage("stub").All()
	if len(entries) != 1 {
		t.Fatalf("stub records = %d, want 1", len(entries))
	}
	if pc := entries[0].ContextMap()["pc"]; pc != "0x100010" {
		t.Fatalf("pc = %v", pc)
	}
}

func TestNopStubWithoutCallback(t *testing.T) {
	NewNop().Stub(0, "libc", "free", "")
}

func TestFields(t *testing.T) {
	if Hex(0xdead) != "0xdead" {
		t.Fatalf("Hex = %s", Hex(0xdead))
	}
	if f := Len("spim", make([]byte, 5)); f.Key != "spim_len" || f.Integer != 5 {
		t.Fatalf("Len = %+v", f)
	}
	if f := Ptr("buf", 0x10); f.Key != "buf" || f.String != "0x10" {
		t.Fatalf("Ptr = %+v", f)
	}
}
