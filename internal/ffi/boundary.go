// Package ffi is the flat, status-code interface over one ADI session. It
// is what cmd/libanisette exports to C: every call returns 0 on success
// and a negative status on failure, with the message held until the next
// fallible call.
package ffi

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/emulator"
	glog "github.com/zboralski/anisette/internal/log"
	"github.com/zboralski/anisette/internal/vfs"
	"go.uber.org/zap"
)

// Status codes.
const (
	StatusOK    int32 = 0
	StatusError int32 = -1

	// IsMachineProvisioned results.
	StatusProvisioned    int32 = 1
	StatusNotProvisioned int32 = 0
)

var errNotInitialized = errors.New("ADI is not initialized")

// Boundary holds one session and the results of the last calls. It is
// safe for concurrent use; calls are serialized.
type Boundary struct {
	mu sync.Mutex

	session *adi.Session
	staging *vfs.Store
	options emulator.Options

	lastError string
	cpim      []byte
	handle    uint32
	otp       []byte
	mid       []byte
	readBuf   []byte
}

// New returns a boundary with no session.
func New(opts emulator.Options) *Boundary {
	return &Boundary{
		session: adi.NewSession(),
		staging: vfs.New(),
		options: opts,
	}
}

// status records err as the last error and converts it to a status code.
func (b *Boundary) status(op string, err error) int32 {
	if err != nil {
		b.lastError = err.Error()
		glog.L.Debug("ffi call failed", zap.String("op", op), zap.Error(err))
		return StatusError
	}
	b.lastError = ""
	return StatusOK
}

func (b *Boundary) live() error {
	if b.session.State() == adi.Uninitialized {
		return errNotInitialized
	}
	return nil
}

// InitFromBlobs builds a new session, discarding any previous one. The
// session's file store is seeded from the staging store.
func (b *Boundary) InitFromBlobs(storeServices, coreADI []byte, libraryPath, provisioningPath, identifier string) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cpim, b.handle, b.otp, b.mid, b.readBuf = nil, 0, nil, nil, nil
	err := b.session.Init(adi.Config{
		StoreServices:    storeServices,
		CoreADI:          coreADI,
		LibraryPath:      libraryPath,
		ProvisioningPath: provisioningPath,
		Identifier:       identifier,
		Files:            b.staging,
		Options:          b.options,
	})
	if err != nil {
		err = fmt.Errorf("ADI init failed: %w", err)
	}
	return b.status("init", err)
}

// InitFromFiles reads both libraries from the host filesystem and calls
// InitFromBlobs.
func (b *Boundary) InitFromFiles(storeServicesPath, coreADIPath, libraryPath, provisioningPath, identifier string) int32 {
	ss, err := os.ReadFile(storeServicesPath)
	if err != nil {
		return b.fail("init", fmt.Errorf("failed to read storeservices core %q: %w", storeServicesPath, err))
	}
	core, err := os.ReadFile(coreADIPath)
	if err != nil {
		return b.fail("init", fmt.Errorf("failed to read coreadi %q: %w", coreADIPath, err))
	}
	return b.InitFromBlobs(ss, core, libraryPath, provisioningPath, identifier)
}

func (b *Boundary) fail(op string, err error) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status(op, err)
}

// SetIdentifier forwards to the live session.
func (b *Boundary) SetIdentifier(id string) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.live()
	if err == nil {
		err = b.session.SetIdentifier(id)
	}
	return b.status("set identifier", err)
}

// SetProvisioningPath forwards to the live session.
func (b *Boundary) SetProvisioningPath(p string) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.live()
	if err == nil {
		err = b.session.SetProvisioningPath(p)
	}
	return b.status("set provisioning path", err)
}

// IsMachineProvisioned returns 1, 0 or a negative status.
func (b *Boundary) IsMachineProvisioned(dsid uint64) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.live(); err != nil {
		return b.status("is machine provisioned", err)
	}
	ok, err := b.session.IsMachineProvisioned(dsid)
	if st := b.status("is machine provisioned", err); st != StatusOK {
		return st
	}
	if ok {
		return StatusProvisioned
	}
	return StatusNotProvisioned
}

// StartProvisioning stores the CPIM and session handle for CPIM and
// Session.
func (b *Boundary) StartProvisioning(dsid uint64, spim []byte) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.live(); err != nil {
		return b.status("start provisioning", err)
	}
	res, err := b.session.StartProvisioning(dsid, spim)
	if err == nil {
		b.cpim, b.handle = res.CPIM, res.Handle
	}
	return b.status("start provisioning", err)
}

// EndProvisioning finishes the attempt named by handle.
func (b *Boundary) EndProvisioning(handle uint32, ptm, tk []byte) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.live()
	if err == nil {
		err = b.session.EndProvisioning(handle, ptm, tk)
	}
	return b.status("end provisioning", err)
}

// RequestOTP stores the OTP and machine id for OTP and MachineID.
func (b *Boundary) RequestOTP(dsid uint64) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.live(); err != nil {
		return b.status("request otp", err)
	}
	res, err := b.session.RequestOTP(dsid)
	if err == nil {
		b.otp, b.mid = res.OTP, res.MachineID
	}
	return b.status("request otp", err)
}

// FSWrite stores data in the staging store and, when a session is live,
// in the session's file store. A write either store rejects changes
// neither.
func (b *Boundary) FSWrite(p string, data []byte) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(p, data); err != nil {
		return b.status("fs write", fmt.Errorf("failed to write %q: %w", p, err))
	}
	return b.status("fs write", nil)
}

func (b *Boundary) write(p string, data []byte) error {
	fs := b.session.Files()
	if fs == nil {
		return b.staging.Write(p, data)
	}
	prev, readErr := fs.Read(p)
	if err := fs.Write(p, data); err != nil {
		return err
	}
	if err := b.staging.Write(p, data); err != nil {
		if readErr == nil {
			fs.Write(p, prev)
		} else {
			fs.Remove(p)
		}
		return err
	}
	return nil
}

// FSRead reads p from the live session, or from the staging store when
// no session exists. The data is returned by ReadBuffer.
func (b *Boundary) FSRead(p string) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	fs := b.session.Files()
	if fs == nil {
		fs = b.staging
	}
	data, err := fs.Read(p)
	if err != nil {
		return b.status("fs read", fmt.Errorf("failed to read %q: %w", p, err))
	}
	b.readBuf = data
	return b.status("fs read", nil)
}

// Reset tears down the session and clears the staging store and results.
func (b *Boundary) Reset() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session.Close()
	b.staging = vfs.New()
	b.cpim, b.handle, b.otp, b.mid, b.readBuf = nil, 0, nil, nil, nil
	return b.status("reset", nil)
}

// CPIM returns the CPIM of the last successful StartProvisioning.
func (b *Boundary) CPIM() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cpim
}

// Session returns the handle of the last successful StartProvisioning.
func (b *Boundary) Session() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle
}

// OTP returns the OTP of the last successful RequestOTP.
func (b *Boundary) OTP() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.otp
}

// MachineID returns the machine id of the last successful RequestOTP.
func (b *Boundary) MachineID() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mid
}

// ReadBuffer returns the data of the last successful FSRead.
func (b *Boundary) ReadBuffer() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readBuf
}

// LastError returns the message of the last failed call, or "" after a
// successful one.
func (b *Boundary) LastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}
