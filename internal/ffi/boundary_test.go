package ffi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/adi/aditest"
	"github.com/zboralski/anisette/internal/emulator"
)

const dsid = ^uint64(1)

func initFake(t *testing.T, b *Boundary) {
	t.Helper()
	st := b.InitFromBlobs(aditest.StoreServices(aditest.Options{}), aditest.CoreADI(), adi.DefaultPath, "", "0123456789abcdef")
	require.Equal(t, StatusOK, st, b.LastError())
	t.Cleanup(func() { b.Reset() })
}

func TestNotInitialized(t *testing.T) {
	b := New(emulator.DefaultOptions())
	assert.Equal(t, StatusError, b.IsMachineProvisioned(dsid))
	assert.Equal(t, "ADI is not initialized", b.LastError())
	assert.Equal(t, StatusError, b.RequestOTP(dsid))
}

func TestInitFailureSetsLastError(t *testing.T) {
	b := New(emulator.DefaultOptions())
	st := b.InitFromBlobs([]byte("not an elf"), aditest.CoreADI(), "", "", "")
	assert.Equal(t, StatusError, st)
	assert.Contains(t, b.LastError(), "ADI init failed")

	assert.Equal(t, StatusError, b.InitFromFiles("/nonexistent/libstoreservicescore.so", "x", "", "", ""))
	assert.Contains(t, b.LastError(), "failed to read storeservices core")
}

func TestProvisioningThroughBoundary(t *testing.T) {
	b := New(emulator.DefaultOptions())
	initFake(t, b)

	assert.Equal(t, StatusNotProvisioned, b.IsMachineProvisioned(dsid))
	assert.Empty(t, b.LastError())

	require.Equal(t, StatusOK, b.StartProvisioning(dsid, []byte("spim")))
	assert.Equal(t, []byte("spim"), b.CPIM())
	assert.NotZero(t, b.Session())

	require.Equal(t, StatusError, b.StartProvisioning(dsid, []byte("spim")))
	assert.Contains(t, b.LastError(), adi.ErrInvalidState.Error())

	require.Equal(t, StatusOK, b.EndProvisioning(b.Session(), []byte("ptm"), []byte("tk")))
	assert.Empty(t, b.LastError())
	assert.Equal(t, StatusProvisioned, b.IsMachineProvisioned(dsid))

	require.Equal(t, StatusOK, b.RequestOTP(dsid))
	assert.Equal(t, []byte(aditest.OTP), b.OTP())
	assert.Equal(t, []byte(aditest.MachineID), b.MachineID())

	require.Equal(t, StatusOK, b.FSRead(aditest.StatePath))
	assert.Equal(t, []byte("ptm"), b.ReadBuffer())
}

func TestStagedFilesSeedSession(t *testing.T) {
	b := New(emulator.DefaultOptions())
	require.Equal(t, StatusOK, b.FSWrite(aditest.StatePath, []byte("saved")))
	require.Equal(t, StatusOK, b.FSRead(aditest.StatePath))
	assert.Equal(t, []byte("saved"), b.ReadBuffer())

	initFake(t, b)
	assert.Equal(t, StatusProvisioned, b.IsMachineProvisioned(dsid))

	require.Equal(t, StatusOK, b.FSWrite("anisette/device.json", []byte("{}")))
	require.Equal(t, StatusOK, b.FSRead("./anisette/device.json"))
	assert.Equal(t, []byte("{}"), b.ReadBuffer())
}

func TestReinitDiscardsResults(t *testing.T) {
	b := New(emulator.DefaultOptions())
	initFake(t, b)
	require.Equal(t, StatusOK, b.StartProvisioning(dsid, []byte("spim")))
	handle := b.Session()

	require.Equal(t, StatusOK, b.FSWrite("anisette/device.json", []byte("{}")))
	require.Equal(t, StatusOK, b.FSRead("anisette/device.json"))

	initFake(t, b)
	assert.Zero(t, b.Session())
	assert.Nil(t, b.CPIM())
	assert.Nil(t, b.ReadBuffer())
	assert.Equal(t, StatusError, b.EndProvisioning(handle, nil, nil))
}

func TestFSWriteRejectedBySessionKeepsStaging(t *testing.T) {
	b := New(emulator.DefaultOptions())
	initFake(t, b)
	require.Equal(t, StatusOK, b.StartProvisioning(dsid, []byte("spim")))
	require.Equal(t, StatusOK, b.EndProvisioning(b.Session(), []byte("ptm"), []byte("tk")))

	// The session holds anisette/adi.pb, so anisette is a directory there.
	assert.Equal(t, StatusError, b.FSWrite("./anisette", []byte("x")))
	assert.Contains(t, b.LastError(), "is a directory")
	assert.False(t, b.staging.Exists("anisette"))
}

func TestFSReadMissing(t *testing.T) {
	b := New(emulator.DefaultOptions())
	assert.Equal(t, StatusError, b.FSRead("anisette/adi.pb"))
	assert.Contains(t, b.LastError(), "failed to read")

	assert.Equal(t, StatusOK, b.Reset())
	assert.Empty(t, b.LastError())
}
