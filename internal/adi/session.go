// Package adi drives the vendor ADI entry points: it loads the two
// libraries into a fresh machine, binds their imports and walks the
// provisioning state machine.
package adi

import (
	"errors"
	"fmt"

	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/loader"
	glog "github.com/zboralski/anisette/internal/log"
	"github.com/zboralski/anisette/internal/stubs"
	_ "github.com/zboralski/anisette/internal/stubs/all"
	"github.com/zboralski/anisette/internal/vfs"
	"go.uber.org/zap"
)

// DefaultPath is the library and provisioning path prefix used when none
// is configured.
const DefaultPath = "./anisette/"

// maxBlob bounds a result length read back from guest memory.
const maxBlob = emulator.HeapSize

// Config holds everything Init needs.
type Config struct {
	StoreServices []byte
	CoreADI       []byte

	LibraryPath      string
	ProvisioningPath string
	Identifier       string

	// Files seeds the session's file store, typically with a previously
	// exported adi.pb.
	Files *vfs.Store

	// Properties answers __system_property_get.
	Properties map[string]string

	Options  emulator.Options
	Registry *stubs.Registry // defaults to stubs.DefaultRegistry

	// Trace, when set, runs for every executed instruction.
	Trace emulator.CodeHookFunc
}

// StartResult is the output of ProvisioningStart.
type StartResult struct {
	CPIM   []byte
	Handle uint32
}

// OTP is the output of OTPRequest.
type OTP struct {
	OTP       []byte
	MachineID []byte
}

type attempt struct {
	dsid    uint64
	session uint32 // vendor session id
	live    bool
}

// Session owns one machine with both vendor libraries loaded. It is not
// safe for concurrent use.
type Session struct {
	state State
	fault error
	epoch uint32

	emu      *emulator.Emulator
	env      *stubs.Env
	disp     *stubs.Dispatcher
	libs     []*loader.Library
	fns      map[string]uint64
	attempts []attempt
}

// NewSession returns an uninitialized session.
func NewSession() *Session {
	return &Session{}
}

// Open returns a session initialized from cfg.
func Open(cfg Config) (*Session, error) {
	s := NewSession()
	if err := s.Init(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Init discards any previous machine, libraries, stubs and files and
// builds the session anew. Handles from before the call become invalid.
func (s *Session) Init(cfg Config) error {
	s.teardown()
	s.epoch = (s.epoch + 1) & 0xFFF
	if s.epoch == 0 {
		s.epoch = 1
	}

	if err := s.build(cfg); err != nil {
		s.teardown()
		return err
	}
	s.state = Initialized
	glog.L.Info("session initialized",
		zap.Uint32("epoch", s.epoch),
		zap.Int("files", s.env.FS.Len()),
		zap.Int("imports", len(s.disp.Bindings())),
	)
	return nil
}

func (s *Session) build(cfg Config) error {
	libraryPath := cfg.LibraryPath
	if libraryPath == "" {
		libraryPath = DefaultPath
	}
	reg := cfg.Registry
	if reg == nil {
		reg = stubs.DefaultRegistry
	}

	emu, err := emulator.New(cfg.Options)
	if err != nil {
		return fmt.Errorf("adi: %w", err)
	}
	s.emu = emu
	if cfg.Trace != nil {
		if err := emu.HookCode(cfg.Trace); err != nil {
			return fmt.Errorf("adi: trace: %w", err)
		}
	}

	fs := vfs.New(libraryPath, cfg.ProvisioningPath)
	if cfg.Files != nil {
		fs.CopyFrom(cfg.Files)
	}
	s.env = stubs.NewEnv(emu, fs)
	for k, v := range cfg.Properties {
		s.env.Properties[k] = v
	}

	blobs := []struct {
		name string
		data []byte
	}{
		{StoreServicesLibrary, cfg.StoreServices},
		{CoreADILibrary, cfg.CoreADI},
	}
	for slot, blob := range blobs {
		img, err := loader.Parse(blob.name, blob.data)
		if err != nil {
			return fmt.Errorf("adi: %w", err)
		}
		lib, err := loader.Map(emu, img, slot)
		if err != nil {
			return fmt.Errorf("adi: %w", err)
		}
		glog.L.Debug("library mapped", zap.String("lib", lib.Name), glog.Addr(lib.Base), zap.Int("exports", len(lib.Exports)))
		s.libs = append(s.libs, lib)
	}

	if s.disp, err = stubs.Resolve(s.env, reg, s.libs); err != nil {
		return fmt.Errorf("adi: %w", err)
	}

	s.fns = make(map[string]uint64, len(Exports))
	for _, e := range Exports {
		addr, ok := s.libs[0].Export(e.Symbol)
		if !ok {
			return fmt.Errorf("adi: %s (%s): %w", e.Symbol, e.Name, ErrMissingExport)
		}
		s.fns[e.Symbol] = addr
	}

	if err := s.loadLibraryWithPath(libraryPath); err != nil {
		return err
	}
	if cfg.ProvisioningPath != "" {
		if err := s.setProvisioningPath(cfg.ProvisioningPath); err != nil {
			return err
		}
	}
	if cfg.Identifier != "" {
		if err := s.setIdentifier(cfg.Identifier); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) teardown() {
	if s.emu != nil {
		s.emu.Close()
	}
	s.emu, s.env, s.disp = nil, nil, nil
	s.libs, s.fns, s.attempts = nil, nil, nil
	s.fault = nil
	s.state = Uninitialized
}

// Close tears the session down. Files not exported before are lost.
func (s *Session) Close() error {
	s.teardown()
	return nil
}

// State returns the provisioning state.
func (s *Session) State() State { return s.state }

// Fault returns the error that latched the session, if any.
func (s *Session) Fault() error { return s.fault }

// Files returns the session's file store, or nil when uninitialized.
func (s *Session) Files() *vfs.Store {
	if s.env == nil {
		return nil
	}
	return s.env.FS
}

// Libraries returns the loaded libraries.
func (s *Session) Libraries() []*loader.Library { return s.libs }

// Dispatcher returns the import dispatcher, or nil when uninitialized.
func (s *Session) Dispatcher() *stubs.Dispatcher { return s.disp }

// ready checks the session can run an operation allowed in states.
func (s *Session) ready(op string, states ...State) error {
	if s.fault != nil {
		return fmt.Errorf("adi: %s: session faulted (%v): %w", op, s.fault, ErrInvalidState)
	}
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("adi: %s in state %s: %w", op, s.state, ErrInvalidState)
}

// call runs one entry point with a clean scratch arena.
func (s *Session) call(symbol string, stage func() ([]uint64, error)) (uint64, error) {
	if err := s.emu.ResetScratch(); err != nil {
		return 0, fmt.Errorf("adi: %w", err)
	}
	args, err := stage()
	if err != nil {
		return 0, fmt.Errorf("adi: %s: %w", exportName(symbol), err)
	}
	ret, err := s.emu.Call(s.fns[symbol], args...)
	if errors.Is(err, emulator.ErrClosed) {
		return 0, fmt.Errorf("adi: %s: %w", exportName(symbol), err)
	}
	if err != nil {
		// Guest memory is in an unknown state once a call stops early.
		s.fault = err
		glog.L.Warn("session faulted", glog.Fn(exportName(symbol)), zap.Error(err))
		return 0, fmt.Errorf("adi: %s: %w: %w", exportName(symbol), ErrFaulted, err)
	}
	glog.L.Debug("call", glog.Fn(exportName(symbol)), zap.Int32("ret", int32(uint32(ret))))
	return ret, nil
}

func (s *Session) loadLibraryWithPath(p string) error {
	ret, err := s.call(ExportLoadLibraryWithPath, func() ([]uint64, error) {
		ptr, err := s.emu.StageString(p)
		return []uint64{ptr}, err
	})
	if err != nil {
		return err
	}
	return checkZero(exportName(ExportLoadLibraryWithPath), ret)
}

func (s *Session) setProvisioningPath(p string) error {
	s.env.FS.AllowPrefix(p)
	ret, err := s.call(ExportSetProvisioningPath, func() ([]uint64, error) {
		ptr, err := s.emu.StageString(p)
		return []uint64{ptr}, err
	})
	if err != nil {
		return err
	}
	return checkZero(exportName(ExportSetProvisioningPath), ret)
}

func (s *Session) setIdentifier(id string) error {
	ret, err := s.call(ExportSetAndroidID, func() ([]uint64, error) {
		ptr, err := s.emu.Stage([]byte(id))
		return []uint64{ptr, uint64(len(id))}, err
	})
	if err != nil {
		return err
	}
	return checkZero(exportName(ExportSetAndroidID), ret)
}

// SetProvisioningPath points the vendor code at a new provisioning
// directory and allows guest access to it.
func (s *Session) SetProvisioningPath(p string) error {
	if err := s.ready("set provisioning path", Initialized, Provisioned); err != nil {
		return err
	}
	return s.setProvisioningPath(p)
}

// SetIdentifier sets the Android ID reported to the vendor code. An empty
// identifier is ignored.
func (s *Session) SetIdentifier(id string) error {
	if err := s.ready("set identifier", Initialized, Provisioned); err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	return s.setIdentifier(id)
}

// IsMachineProvisioned asks the vendor code whether provisioning data
// exists for dsid.
func (s *Session) IsMachineProvisioned(dsid uint64) (bool, error) {
	if err := s.ready("is machine provisioned", Initialized, ProvisioningStarted, Provisioned); err != nil {
		return false, err
	}
	ret, err := s.call(ExportGetLoginCode, func() ([]uint64, error) {
		return []uint64{dsid}, nil
	})
	if err != nil {
		return false, err
	}
	switch code := int32(uint32(ret)); code {
	case 0:
		return true, nil
	case NotProvisioned:
		return false, nil
	default:
		return false, fmt.Errorf("adi: %w", &CallError{Export: exportName(ExportGetLoginCode), Code: code})
	}
}

// StartProvisioning hands Apple's SPIM to the vendor code and returns the
// CPIM together with a handle for EndProvisioning.
func (s *Session) StartProvisioning(dsid uint64, spim []byte) (*StartResult, error) {
	if err := s.ready("start provisioning", Initialized, Provisioned); err != nil {
		return nil, err
	}

	var pCPIM, pCPIMLen, pSession uint64
	ret, err := s.call(ExportProvisioningStart, func() ([]uint64, error) {
		pSPIM, err := s.emu.Stage(spim)
		if err != nil {
			return nil, err
		}
		if pCPIM, err = s.emu.StageZero(8); err != nil {
			return nil, err
		}
		if pCPIMLen, err = s.emu.StageZero(4); err != nil {
			return nil, err
		}
		if pSession, err = s.emu.StageZero(4); err != nil {
			return nil, err
		}
		return []uint64{dsid, pSPIM, uint64(len(spim)), pCPIM, pCPIMLen, pSession}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkZero(exportName(ExportProvisioningStart), ret); err != nil {
		return nil, fmt.Errorf("adi: %w", err)
	}

	cpim, err := s.readBlob(pCPIM, pCPIMLen)
	if err != nil {
		return nil, fmt.Errorf("adi: cpim: %w", err)
	}
	session, err := s.emu.MemReadU32(pSession)
	if err != nil {
		return nil, fmt.Errorf("adi: session: %w", err)
	}

	handle := s.begin(dsid, session)
	s.state = ProvisioningStarted
	glog.L.Info("provisioning started", glog.Len("cpim", cpim), zap.Uint32("handle", handle))
	return &StartResult{CPIM: cpim, Handle: handle}, nil
}

// EndProvisioning hands Apple's PTM and TK to the vendor code. On success
// the file store holds the new adi.pb; the host must export it itself.
// A failed end releases the attempt and returns the session to
// Initialized.
func (s *Session) EndProvisioning(handle uint32, ptm, tk []byte) error {
	if err := s.ready("end provisioning", ProvisioningStarted); err != nil {
		return err
	}
	a, err := s.lookup(handle)
	if err != nil {
		return err
	}
	s.release(handle)
	s.state = Initialized

	ret, err := s.call(ExportProvisioningEnd, func() ([]uint64, error) {
		pPTM, err := s.emu.Stage(ptm)
		if err != nil {
			return nil, err
		}
		pTK, err := s.emu.Stage(tk)
		if err != nil {
			return nil, err
		}
		return []uint64{uint64(a.session), pPTM, uint64(len(ptm)), pTK, uint64(len(tk))}, nil
	})
	if err != nil {
		return err
	}
	if err := checkZero(exportName(ExportProvisioningEnd), ret); err != nil {
		return fmt.Errorf("adi: %w", err)
	}
	s.state = Provisioned
	glog.L.Info("provisioning finished", zap.Uint64("dsid", a.dsid))
	return nil
}

// RequestOTP returns a one-time password and the machine id. It is
// allowed once provisioning data is present, including data restored
// into a freshly initialized session.
func (s *Session) RequestOTP(dsid uint64) (*OTP, error) {
	if err := s.ready("request otp", Initialized, Provisioned); err != nil {
		return nil, err
	}

	var pOTP, pOTPLen, pMID, pMIDLen uint64
	ret, err := s.call(ExportOTPRequest, func() ([]uint64, error) {
		var err error
		if pOTP, err = s.emu.StageZero(8); err != nil {
			return nil, err
		}
		if pOTPLen, err = s.emu.StageZero(4); err != nil {
			return nil, err
		}
		if pMID, err = s.emu.StageZero(8); err != nil {
			return nil, err
		}
		if pMIDLen, err = s.emu.StageZero(4); err != nil {
			return nil, err
		}
		return []uint64{dsid, pMID, pMIDLen, pOTP, pOTPLen}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := checkZero(exportName(ExportOTPRequest), ret); err != nil {
		return nil, fmt.Errorf("adi: %w", err)
	}

	otp, err := s.readBlob(pOTP, pOTPLen)
	if err != nil {
		return nil, fmt.Errorf("adi: otp: %w", err)
	}
	mid, err := s.readBlob(pMID, pMIDLen)
	if err != nil {
		return nil, fmt.Errorf("adi: machine id: %w", err)
	}
	glog.L.Debug("otp", glog.Len("otp", otp), glog.Len("mid", mid))
	return &OTP{OTP: otp, MachineID: mid}, nil
}

// readBlob copies out a buffer the vendor code returned through a pointer
// and a 32-bit length.
func (s *Session) readBlob(pPtr, pLen uint64) ([]byte, error) {
	ptr, err := s.emu.MemReadU64(pPtr)
	if err != nil {
		return nil, err
	}
	n, err := s.emu.MemReadU32(pLen)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	if uint64(n) > maxBlob || ptr == 0 {
		return nil, fmt.Errorf("buffer 0x%x len %d: %w", ptr, n, ErrCallFailed)
	}
	return s.emu.MemRead(ptr, uint64(n))
}
