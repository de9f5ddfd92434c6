package adi

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned for an operation called out of sequence,
	// with a stale provisioning handle, or on a faulted session.
	ErrInvalidState = errors.New("invalid state")

	// ErrCallFailed is wrapped by CallError.
	ErrCallFailed = errors.New("vendor call failed")

	// ErrMissingExport is returned when a vendor library lacks an ADI entry point.
	ErrMissingExport = errors.New("missing export")

	// ErrFaulted wraps any error that stopped guest code mid-call. The
	// session is latched until the next Init.
	ErrFaulted = errors.New("session faulted")
)

// NotProvisioned is the GetLoginCode result for a machine without
// provisioning data.
const NotProvisioned int32 = -45061

// CallError is a non-zero return code from a vendor entry point.
type CallError struct {
	Export string
	Code   int32
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s returned %d (0x%x)", e.Export, e.Code, uint32(e.Code))
}

func (e *CallError) Unwrap() error { return ErrCallFailed }

// Fatal reports whether err leaves the machine unfit for further calls.
func Fatal(err error) bool {
	return errors.Is(err, ErrFaulted)
}

func checkZero(export string, ret uint64) error {
	if code := int32(uint32(ret)); code != 0 {
		return &CallError{Export: export, Code: code}
	}
	return nil
}
