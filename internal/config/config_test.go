package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DSID(0xFFFFFFFFFFFFFFFE), cfg.DSID)
	assert.Equal(t, "./anisette/", cfg.LibraryPath)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anisette.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
libraries:
  storeservices: /opt/lib/libstoreservicescore.so
  coreadi: /opt/lib/libCoreADI.so
state_dir: /var/lib/anisette
dsid: 0x10
timeout: 10s
call_timeout: 2m
listen: ":8080"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/lib/libCoreADI.so", cfg.Libraries.CoreADI)
	assert.Equal(t, "/var/lib/anisette", cfg.StateDir)
	assert.Equal(t, DSID(16), cfg.DSID)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.CallTimeout)
	assert.Equal(t, ":8080", cfg.Listen)
	// Unset keys keep their defaults.
	assert.Equal(t, "./anisette/", cfg.ProvisioningPath)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("libraries: ["), 0o600))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(env(map[string]string{
		"ANISETTE_LIB_DIR":              "/libs",
		"ANISETTE_DSID":                 "-2",
		"ANISETTE_STATE_DIR":            "/state",
		"ANISETTE_BUDGET":               "0x1000",
		"ANISETTE_CALL_TIMEOUT":         "45s",
		"ANISETTE_INSECURE_SKIP_VERIFY": "true",
	})))
	assert.Equal(t, "/libs/libstoreservicescore.so", cfg.Libraries.StoreServices)
	assert.Equal(t, "/libs/libCoreADI.so", cfg.Libraries.CoreADI)
	assert.Equal(t, DSID(DefaultDSID), cfg.DSID)
	assert.Equal(t, "/state", cfg.StateDir)
	assert.Equal(t, uint64(0x1000), cfg.Budget)
	assert.Equal(t, 45*time.Second, cfg.CallTimeout)
	assert.True(t, cfg.InsecureSkipVerify)

	err := cfg.ApplyEnv(env(map[string]string{"ANISETTE_TIMEOUT": "soon"}))
	assert.ErrorIs(t, err, ErrInvalid)
	err = cfg.ApplyEnv(env(map[string]string{"ANISETTE_CALL_TIMEOUT": "-"}))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Libraries.CoreADI = ""
	cfg.StateDir = ""
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "both libraries")
	assert.Contains(t, err.Error(), "state_dir")
}

func TestParseDSID(t *testing.T) {
	cases := map[string]DSID{
		"-2":                 DSID(DefaultDSID),
		"0xFFFFFFFFFFFFFFFE": DSID(DefaultDSID),
		"42":                 42,
	}
	for in, want := range cases {
		got, err := ParseDSID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDSID("0xzz")
	assert.ErrorIs(t, err, ErrInvalid)

	out, err := yaml.Marshal(struct {
		D DSID `yaml:"dsid"`
	}{DSID(DefaultDSID)})
	require.NoError(t, err)
	assert.Equal(t, "dsid: -2\n", string(out))
}
