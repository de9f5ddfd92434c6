package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// ArgRegs is the number of integer arguments passed in registers.
const ArgRegs = 8

// Call runs the guest function at fn with the given integer arguments and
// returns X0. The first eight arguments go in X0-X7, the rest are stored
// on the stack. The call completes when the function returns to the
// sentinel address.
//
// Only one call runs at a time. A call made while another is running,
// including one from a trap handler or code hook, fails with ErrBusy.
func (e *Emulator) Call(fn uint64, args ...uint64) (uint64, error) {
	if e.closed {
		return 0, ErrClosed
	}
	if e.running {
		return 0, ErrBusy
	}
	e.fault = nil

	sp := uint64(StackTop)
	if extra := args[min(len(args), ArgRegs):]; len(extra) > 0 {
		sp -= (uint64(len(extra))*8 + 15) &^ 15
		for i, v := range extra {
			if err := e.MemWriteU64(sp+uint64(i)*8, v); err != nil {
				return 0, fmt.Errorf("stack argument %d: %w", ArgRegs+i, err)
			}
		}
	}
	for i := 0; i < len(args) && i < ArgRegs; i++ {
		if err := e.SetX(i, args[i]); err != nil {
			return 0, err
		}
	}

	ret := uint64(ReturnAddress)
	if err := e.SetSP(sp); err != nil {
		return 0, err
	}
	if err := e.SetLR(ret); err != nil {
		return 0, err
	}

	opts := &uc.UcOptions{
		Count:   e.opts.Budget,
		Timeout: uint64(e.opts.Timeout.Microseconds()),
	}

	e.running = true
	err := e.mu.StartWithOptions(fn, ret, opts)
	e.running = false

	if e.fault != nil {
		return 0, e.fault
	}
	pc := e.PC()
	if err != nil {
		return 0, &TrapError{PC: pc, Insn: e.Disasm(pc), Cause: err}
	}
	if pc != ret {
		return 0, &TimeoutError{PC: pc, Budget: e.opts.Budget}
	}
	return e.X(0), nil
}

// Call32 runs fn like Call and returns the low 32 bits of X0 as a signed
// value, the convention of functions returning int.
func (e *Emulator) Call32(fn uint64, args ...uint64) (int32, error) {
	v, err := e.Call(fn, args...)
	return int32(uint32(v)), err
}
