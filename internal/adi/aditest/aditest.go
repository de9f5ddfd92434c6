// Package aditest builds stand-in vendor libraries that export the ADI
// entry points with simple, observable behavior. They import real libc
// symbols so sessions built on them exercise the loader, resolver and
// file stubs end to end.
//
// Behavior of the fake libstoreservicescore:
//
//	LoadLibraryWithPath  tail-calls CoreADI's vdfut768ig, which returns 0
//	SetAndroidID         returns 0
//	SetProvisioningPath  returns 0
//	GetLoginCode         0 if ./anisette/adi.pb exists, -45061 otherwise
//	ProvisioningStart    CPIM = malloc'd copy of SPIM, session = Session
//	ProvisioningEnd      writes PTM to ./anisette/adi.pb
//	OTPRequest           OTP and MachineID from static data
package aditest

import (
	"debug/elf"

	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/loader/elftest"
)

// Values produced by the fake library.
const (
	Session   = 0x77
	StatePath = "./anisette/adi.pb"
	OTP       = "OTP-BYTE"
	MachineID = "MACHINE-ID-BYTES"
)

// CoreExport is the function CoreADI exports and storeservicescore calls.
const CoreExport = "vdfut768ig"

// Options alter the fake library.
type Options struct {
	// CrashOTP makes OTPRequest store through its dsid argument, which
	// faults for any unmapped dsid such as -2.
	CrashOTP bool
	// Drop omits an entry point from the export table.
	Drop string
	// ExtraImport adds an import no stub provides.
	ExtraImport string
}

var imports = []string{"malloc", "memcpy", "access", "open", "write", "close", CoreExport}

func got(i int) uint64 { return elftest.DataAddr + uint64(i)*8 }

const (
	pathAddr = elftest.DataAddr + 0x40
	otpAddr  = elftest.DataAddr + 0x80
	midAddr  = elftest.DataAddr + 0x90
)

func gotOf(name string) uint64 {
	for i, n := range imports {
		if n == name {
			return got(i)
		}
	}
	panic("aditest: no import " + name)
}

// StoreServices returns a fake libstoreservicescore.so.
func StoreServices(opts Options) []byte {
	a := elftest.NewAsm(elftest.TextAddr)
	funcs := map[string]uint64{}
	fn := func(name string) { funcs[name] = a.PC() }

	fn(adi.ExportLoadLibraryWithPath)
	a.LdrLit(16, gotOf(CoreExport)).Br(16)

	fn(adi.ExportSetAndroidID)
	a.MovW(0, 0).Ret()

	fn(adi.ExportSetProvisioningPath)
	a.MovW(0, 0).Ret()

	fn(adi.ExportGetLoginCode)
	start := a.PC()
	a.Push().
		Adr(0, pathAddr).
		MovW(1, 0).
		LdrLit(16, gotOf("access")).Blr(16).
		MovnW(9, uint16(^adi.NotProvisioned)).
		Cbnz(0, start+9*4).
		Pop().Ret().
		MovReg(0, 9).Pop().Ret()

	fn(adi.ExportProvisioningStart)
	a.Push().
		MovReg(19, 1).MovReg(20, 2).MovReg(21, 3).MovReg(22, 4).MovReg(23, 5).
		MovReg(0, 2).
		LdrLit(16, gotOf("malloc")).Blr(16).
		StrX(0, 21, 0).
		MovReg(1, 19).MovReg(2, 20).
		LdrLit(16, gotOf("memcpy")).Blr(16).
		StrW(20, 22, 0).
		MovW(9, Session).StrW(9, 23, 0).
		MovW(0, 0).Pop().Ret()

	fn(adi.ExportProvisioningEnd)
	a.Push().
		MovReg(19, 1).MovReg(20, 2).
		Adr(0, pathAddr).MovW(1, 0o101).
		LdrLit(16, gotOf("open")).Blr(16).
		MovReg(21, 0).
		MovReg(1, 19).MovReg(2, 20).
		LdrLit(16, gotOf("write")).Blr(16).
		MovReg(0, 21).
		LdrLit(16, gotOf("close")).Blr(16).
		MovW(0, 0).Pop().Ret()

	fn(adi.ExportOTPRequest)
	if opts.CrashOTP {
		a.StrX(1, 0, 0)
	}
	a.Adr(9, otpAddr).StrX(9, 3, 0).MovW(9, uint16(len(OTP))).StrW(9, 4, 0).
		Adr(9, midAddr).StrX(9, 1, 0).MovW(9, uint16(len(MachineID))).StrW(9, 2, 0).
		MovW(0, 0).Ret()

	data := make([]byte, 0xA0)
	copy(data[pathAddr-elftest.DataAddr:], StatePath+"\x00")
	copy(data[otpAddr-elftest.DataAddr:], OTP)
	copy(data[midAddr-elftest.DataAddr:], MachineID)

	b := &elftest.Builder{Text: a.Bytes(), Data: data}
	names := imports
	if opts.ExtraImport != "" {
		names = append(append([]string(nil), imports...), opts.ExtraImport)
	}
	for _, name := range names {
		b.Symbols = append(b.Symbols, elftest.Symbol{Name: name, Undefined: true})
	}
	for i := range imports {
		b.PLTRelocs = append(b.PLTRelocs, elftest.Reloc{Offset: got(i), Type: elf.R_AARCH64_JUMP_SLOT, Sym: i + 1})
	}
	for _, e := range adi.Exports {
		if e.Symbol == opts.Drop {
			continue
		}
		b.Symbols = append(b.Symbols, elftest.Symbol{Name: e.Symbol, Value: funcs[e.Symbol]})
	}
	return b.Build()
}

// CoreADI returns a fake libCoreADI.so.
func CoreADI() []byte {
	return (&elftest.Builder{
		Text:    elftest.NewAsm(elftest.TextAddr).MovW(0, 0).Ret().Bytes(),
		Symbols: []elftest.Symbol{{Name: CoreExport, Value: elftest.TextAddr}},
	}).Build()
}

// Config returns a session config over the fake libraries.
func Config(opts Options) adi.Config {
	return adi.Config{
		StoreServices: StoreServices(opts),
		CoreADI:       CoreADI(),
		LibraryPath:   adi.DefaultPath,
		Identifier:    "0123456789abcdef",
		Options:       emulator.DefaultOptions(),
	}
}
