// Command libanisette builds the C shared library:
//
//	go build -buildmode=c-shared -o libanisette.so ./cmd/libanisette
//
// Result buffers stay valid until the next call that produces the same
// kind of result.
package main

/*
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/ffi"
)

var boundary = ffi.New(emulator.DefaultOptions())

// cbuf is a C-allocated copy of a Go result.
type cbuf struct {
	ptr unsafe.Pointer
	len int
}

func (b *cbuf) set(data []byte) {
	if b.ptr != nil {
		C.free(b.ptr)
	}
	b.ptr, b.len = nil, len(data)
	if len(data) > 0 {
		b.ptr = C.CBytes(data)
	}
}

var cpim, otp, mid, readBuf, lastError cbuf

func goBytes(ptr *C.uint8_t, n C.size_t) []byte {
	if ptr == nil || n == 0 {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(ptr), C.int(n))
}

func goString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

//export anisette_init_from_files
func anisette_init_from_files(storeServices, coreADI, libraryPath, provisioningPath, identifier *C.char) C.int32_t {
	return C.int32_t(boundary.InitFromFiles(goString(storeServices), goString(coreADI),
		goString(libraryPath), goString(provisioningPath), goString(identifier)))
}

//export anisette_init_from_blobs
func anisette_init_from_blobs(ss *C.uint8_t, ssLen C.size_t, core *C.uint8_t, coreLen C.size_t, libraryPath, provisioningPath, identifier *C.char) C.int32_t {
	return C.int32_t(boundary.InitFromBlobs(goBytes(ss, ssLen), goBytes(core, coreLen),
		goString(libraryPath), goString(provisioningPath), goString(identifier)))
}

//export anisette_set_identifier
func anisette_set_identifier(identifier *C.char) C.int32_t {
	return C.int32_t(boundary.SetIdentifier(goString(identifier)))
}

//export anisette_set_provisioning_path
func anisette_set_provisioning_path(p *C.char) C.int32_t {
	return C.int32_t(boundary.SetProvisioningPath(goString(p)))
}

//export anisette_is_machine_provisioned
func anisette_is_machine_provisioned(dsid C.uint64_t) C.int32_t {
	return C.int32_t(boundary.IsMachineProvisioned(uint64(dsid)))
}

//export anisette_start_provisioning
func anisette_start_provisioning(dsid C.uint64_t, spim *C.uint8_t, spimLen C.size_t) C.int32_t {
	st := boundary.StartProvisioning(uint64(dsid), goBytes(spim, spimLen))
	if st == ffi.StatusOK {
		cpim.set(boundary.CPIM())
	}
	return C.int32_t(st)
}

//export anisette_get_cpim_ptr
func anisette_get_cpim_ptr() *C.uint8_t { return (*C.uint8_t)(cpim.ptr) }

//export anisette_get_cpim_len
func anisette_get_cpim_len() C.size_t { return C.size_t(cpim.len) }

//export anisette_get_session
func anisette_get_session() C.uint32_t { return C.uint32_t(boundary.Session()) }

//export anisette_end_provisioning
func anisette_end_provisioning(session C.uint32_t, ptm *C.uint8_t, ptmLen C.size_t, tk *C.uint8_t, tkLen C.size_t) C.int32_t {
	return C.int32_t(boundary.EndProvisioning(uint32(session), goBytes(ptm, ptmLen), goBytes(tk, tkLen)))
}

//export anisette_request_otp
func anisette_request_otp(dsid C.uint64_t) C.int32_t {
	st := boundary.RequestOTP(uint64(dsid))
	if st == ffi.StatusOK {
		otp.set(boundary.OTP())
		mid.set(boundary.MachineID())
	}
	return C.int32_t(st)
}

//export anisette_get_otp_ptr
func anisette_get_otp_ptr() *C.uint8_t { return (*C.uint8_t)(otp.ptr) }

//export anisette_get_otp_len
func anisette_get_otp_len() C.size_t { return C.size_t(otp.len) }

//export anisette_get_mid_ptr
func anisette_get_mid_ptr() *C.uint8_t { return (*C.uint8_t)(mid.ptr) }

//export anisette_get_mid_len
func anisette_get_mid_len() C.size_t { return C.size_t(mid.len) }

//export anisette_fs_write_file
func anisette_fs_write_file(p *C.char, data *C.uint8_t, n C.size_t) C.int32_t {
	return C.int32_t(boundary.FSWrite(goString(p), goBytes(data, n)))
}

//export anisette_fs_read_file
func anisette_fs_read_file(p *C.char) C.int32_t {
	st := boundary.FSRead(goString(p))
	if st == ffi.StatusOK {
		readBuf.set(boundary.ReadBuffer())
	}
	return C.int32_t(st)
}

//export anisette_fs_read_ptr
func anisette_fs_read_ptr() *C.uint8_t { return (*C.uint8_t)(readBuf.ptr) }

//export anisette_fs_read_len
func anisette_fs_read_len() C.size_t { return C.size_t(readBuf.len) }

//export anisette_reset
func anisette_reset() C.int32_t { return C.int32_t(boundary.Reset()) }

//export anisette_last_error_ptr
func anisette_last_error_ptr() *C.uint8_t {
	lastError.set([]byte(boundary.LastError()))
	return (*C.uint8_t)(lastError.ptr)
}

//export anisette_last_error_len
func anisette_last_error_len() C.size_t {
	return C.size_t(len(boundary.LastError()))
}

func main() {}
