package emulator

import (
	"errors"
	"fmt"
	"strings"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

var (
	// ErrOutOfAddressSpace is returned when a mapping does not fit its window
	// or would overlap an existing region.
	ErrOutOfAddressSpace = errors.New("out of address space")

	// ErrTrap is the class of every illegal memory access raised by guest code.
	ErrTrap = errors.New("trap")

	// ErrTimeout is returned when a call exhausts its instruction budget or
	// wall clock limit before returning.
	ErrTimeout = errors.New("instruction budget exhausted")

	// ErrBusy is returned when the host calls into the guest while another
	// call is still running.
	ErrBusy = errors.New("call already in progress")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("emulator closed")
)

// Access describes the kind of memory access that faulted.
type Access int

func (a Access) String() string {
	switch int(a) {
	case uc.MEM_READ_UNMAPPED:
		return "read unmapped"
	case uc.MEM_WRITE_UNMAPPED:
		return "write unmapped"
	case uc.MEM_FETCH_UNMAPPED:
		return "fetch unmapped"
	case uc.MEM_READ_PROT:
		return "read protected"
	case uc.MEM_WRITE_PROT:
		return "write protected"
	case uc.MEM_FETCH_PROT:
		return "fetch protected"
	}
	return fmt.Sprintf("access %d", int(a))
}

// TrapError reports an illegal memory access during a guest call.
type TrapError struct {
	Access Access
	Addr   uint64
	Size   int
	PC     uint64
	Insn   string // disassembly at PC, if readable
	Cause  error  // engine error when no access was recorded
}

func (e *TrapError) Error() string {
	var b strings.Builder
	if e.Access != 0 {
		fmt.Fprintf(&b, "trap: %s at 0x%x (size %d, pc 0x%x)", e.Access, e.Addr, e.Size, e.PC)
	} else {
		fmt.Fprintf(&b, "trap: pc 0x%x", e.PC)
		if e.Cause != nil {
			fmt.Fprintf(&b, ": %v", e.Cause)
		}
	}
	if e.Insn != "" {
		fmt.Fprintf(&b, " [%s]", e.Insn)
	}
	return b.String()
}

func (e *TrapError) Unwrap() error { return ErrTrap }

// TimeoutError reports where a call stopped when its budget ran out.
type TimeoutError struct {
	PC     uint64
	Budget uint64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("instruction budget exhausted at pc 0x%x (budget %d)", e.PC, e.Budget)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
