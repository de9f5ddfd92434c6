package adi_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/adi/aditest"
	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/stubs"
	"github.com/zboralski/anisette/internal/vfs"
)

const dsid = ^uint64(1) // -2

func open(t *testing.T, opts aditest.Options) *adi.Session {
	t.Helper()
	s, err := adi.Open(aditest.Config(opts))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func provision(t *testing.T, s *adi.Session) {
	t.Helper()
	start, err := s.StartProvisioning(dsid, []byte("spim"))
	require.NoError(t, err)
	require.NoError(t, s.EndProvisioning(start.Handle, []byte("ptm-state"), []byte("tk")))
}

func TestFreshSessionIsNotProvisioned(t *testing.T) {
	s := open(t, aditest.Options{})
	assert.Equal(t, adi.Initialized, s.State())

	ok, err := s.IsMachineProvisioned(dsid)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, adi.Initialized, s.State())
}

func TestProvisioningFlow(t *testing.T) {
	s := open(t, aditest.Options{})

	start, err := s.StartProvisioning(dsid, []byte("server-spim"))
	require.NoError(t, err)
	assert.Equal(t, []byte("server-spim"), start.CPIM)
	assert.NotZero(t, start.Handle)
	assert.Equal(t, adi.ProvisioningStarted, s.State())

	require.NoError(t, s.EndProvisioning(start.Handle, []byte("ptm"), []byte("tk")))
	assert.Equal(t, adi.Provisioned, s.State())

	state, err := s.Files().Read(aditest.StatePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("ptm"), state)

	ok, err := s.IsMachineProvisioned(dsid)
	require.NoError(t, err)
	assert.True(t, ok)

	otp, err := s.RequestOTP(dsid)
	require.NoError(t, err)
	assert.Equal(t, []byte(aditest.OTP), otp.OTP)
	assert.Equal(t, []byte(aditest.MachineID), otp.MachineID)

	calls := s.Dispatcher().Calls()
	assert.Equal(t, 1, calls["malloc"])
	assert.Equal(t, 1, calls["open"])
}

func TestStartTwiceIsInvalidState(t *testing.T) {
	s := open(t, aditest.Options{})
	_, err := s.StartProvisioning(dsid, []byte("a"))
	require.NoError(t, err)

	_, err = s.StartProvisioning(dsid, []byte("b"))
	assert.ErrorIs(t, err, adi.ErrInvalidState)
	assert.Equal(t, adi.ProvisioningStarted, s.State())
}

func TestEndWithoutStart(t *testing.T) {
	s := open(t, aditest.Options{})
	err := s.EndProvisioning(1<<20|1, []byte("ptm"), []byte("tk"))
	assert.ErrorIs(t, err, adi.ErrInvalidState)
}

func TestStaleHandleAfterReinit(t *testing.T) {
	s := open(t, aditest.Options{})
	start, err := s.StartProvisioning(dsid, []byte("a"))
	require.NoError(t, err)

	require.NoError(t, s.Init(aditest.Config(aditest.Options{})))
	assert.Equal(t, adi.Initialized, s.State())

	_, err = s.StartProvisioning(dsid, []byte("b"))
	require.NoError(t, err)
	assert.ErrorIs(t, s.EndProvisioning(start.Handle, nil, nil), adi.ErrInvalidState)
}

func TestRequestOTPTwice(t *testing.T) {
	s := open(t, aditest.Options{})
	provision(t, s)

	first, err := s.RequestOTP(dsid)
	require.NoError(t, err)
	second, err := s.RequestOTP(dsid)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Zero(t, s.Dispatcher().Calls()["abort"])
}

func TestTrapLatchesSession(t *testing.T) {
	s := open(t, aditest.Options{CrashOTP: true})
	provision(t, s)

	_, err := s.RequestOTP(dsid)
	require.ErrorIs(t, err, emulator.ErrTrap)
	var trap *emulator.TrapError
	require.ErrorAs(t, err, &trap)
	assert.True(t, adi.Fatal(err))
	assert.Error(t, s.Fault())

	// The file store survives the fault and can seed a new session.
	state, err := s.Files().Read(aditest.StatePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("ptm-state"), state)

	_, err = s.IsMachineProvisioned(dsid)
	assert.ErrorIs(t, err, adi.ErrInvalidState)

	require.NoError(t, s.Init(aditest.Config(aditest.Options{})))
	assert.NoError(t, s.Fault())
}

func TestStubErrorLatchesSession(t *testing.T) {
	reg := stubs.NewRegistry()
	reg.RegisterConst("test", 0, "malloc", "memcpy", "open", "write", "close")
	reg.RegisterFunc("test", "access", func(env *stubs.Env) (uint64, error) {
		return 0, stubs.ErrNullPointer
	})
	cfg := aditest.Config(aditest.Options{})
	cfg.Registry = reg
	s, err := adi.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.IsMachineProvisioned(dsid)
	require.ErrorIs(t, err, stubs.ErrNullPointer)
	require.ErrorIs(t, err, adi.ErrFaulted)
	assert.True(t, adi.Fatal(err))
	require.ErrorIs(t, s.Fault(), stubs.ErrNullPointer)

	_, err = s.StartProvisioning(dsid, []byte("spim"))
	assert.ErrorIs(t, err, adi.ErrInvalidState)
	_, err = s.RequestOTP(dsid)
	assert.ErrorIs(t, err, adi.ErrInvalidState)
}

func TestNotProvisionedDoesNotLatch(t *testing.T) {
	s := open(t, aditest.Options{})

	ok, err := s.IsMachineProvisioned(dsid)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, s.Fault())
	assert.False(t, adi.Fatal(&adi.CallError{Export: "ADIGetLoginCode", Code: adi.NotProvisioned}))

	provision(t, s)
	assert.Equal(t, adi.Provisioned, s.State())
}

func TestRestoreFromExportedState(t *testing.T) {
	s := open(t, aditest.Options{})
	provision(t, s)
	snapshot := s.Files().Snapshot()
	require.NoError(t, s.Close())
	assert.Equal(t, adi.Uninitialized, s.State())
	assert.Nil(t, s.Files())

	seed := vfs.New()
	require.NoError(t, seed.Restore(snapshot))
	cfg := aditest.Config(aditest.Options{})
	cfg.Files = seed

	restored := open(t, aditest.Options{})
	require.NoError(t, restored.Init(cfg))
	ok, err := restored.IsMachineProvisioned(dsid)
	require.NoError(t, err)
	assert.True(t, ok)

	otp, err := restored.RequestOTP(dsid)
	require.NoError(t, err)
	assert.NotEmpty(t, otp.OTP)
}

func TestUnresolvedImportFailsInit(t *testing.T) {
	_, err := adi.Open(aditest.Config(aditest.Options{ExtraImport: "CFStringCreate"}))
	require.ErrorIs(t, err, stubs.ErrUnresolvedSymbol)
	var ue *stubs.UnresolvedError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "CFStringCreate", ue.Name)
}

func TestMissingExport(t *testing.T) {
	_, err := adi.Open(aditest.Config(aditest.Options{Drop: adi.ExportOTPRequest}))
	assert.ErrorIs(t, err, adi.ErrMissingExport)
}

func TestUninitialized(t *testing.T) {
	s := adi.NewSession()
	_, err := s.RequestOTP(dsid)
	assert.ErrorIs(t, err, adi.ErrInvalidState)
	assert.Equal(t, "uninitialized", s.State().String())
}

func TestCallError(t *testing.T) {
	err := &adi.CallError{Export: "ADIGetLoginCode", Code: -45054}
	assert.ErrorIs(t, err, adi.ErrCallFailed)
	assert.Contains(t, err.Error(), "-45054")
}

// TestVendorLibraries runs the real libraries when ANISETTE_LIB_DIR points
// at a directory holding them.
func TestVendorLibraries(t *testing.T) {
	dir := os.Getenv("ANISETTE_LIB_DIR")
	if dir == "" {
		t.Skip("ANISETTE_LIB_DIR not set")
	}
	ss, err := os.ReadFile(filepath.Join(dir, adi.StoreServicesLibrary))
	require.NoError(t, err)
	core, err := os.ReadFile(filepath.Join(dir, adi.CoreADILibrary))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		s, err := adi.Open(adi.Config{
			StoreServices: ss,
			CoreADI:       core,
			Identifier:    "f213456789abcde0",
			Options:       emulator.DefaultOptions(),
		})
		require.NoError(t, err)
		ok, err := s.IsMachineProvisioned(dsid)
		require.NoError(t, err)
		assert.False(t, ok)

		start, err := s.StartProvisioning(dsid, []byte{0x01, 0x02, 0x03, 0x04})
		if err == nil {
			assert.NotEmpty(t, start.CPIM)
			assert.NotZero(t, start.Handle)
		}
		s.Close()
	}
}
