// Package config loads anisette settings from a YAML file, an optional
// .env file and ANISETTE_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no config path is given.
const DefaultFile = "anisette.yaml"

// DefaultDSID is the device session id used by the reference host (-2).
const DefaultDSID = ^uint64(1)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Libraries names the two vendor library files.
type Libraries struct {
	StoreServices string `yaml:"storeservices"`
	CoreADI       string `yaml:"coreadi"`
}

// Config is the complete configuration.
type Config struct {
	Libraries        Libraries `yaml:"libraries"`
	LibraryPath      string    `yaml:"library_path"`
	ProvisioningPath string    `yaml:"provisioning_path"`
	StateDir         string    `yaml:"state_dir"`
	Identifier       string    `yaml:"identifier"`
	DSID             DSID      `yaml:"dsid"`

	// Budget is the instruction budget per guest call; 0 is unlimited.
	Budget uint64 `yaml:"budget"`
	// CallTimeout is the wall clock limit per guest call; 0 is none.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// Timeout bounds each HTTP request to Apple.
	Timeout time.Duration `yaml:"timeout"`

	AppleRootPEM       string `yaml:"apple_root_pem"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	LookupURL          string `yaml:"lookup_url"`
	Listen             string `yaml:"listen"`
	ClientInfo         string `yaml:"client_info"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Libraries: Libraries{
			StoreServices: "lib/arm64-v8a/libstoreservicescore.so",
			CoreADI:       "lib/arm64-v8a/libCoreADI.so",
		},
		LibraryPath:      "./anisette/",
		ProvisioningPath: "./anisette/",
		StateDir:         "anisette",
		DSID:             DSID(DefaultDSID),
		Budget:           1 << 31,
		CallTimeout:      30 * time.Second,
		Timeout:          5 * time.Second,
		LookupURL:        "https://gsa.apple.com/grandslam/GsService2/lookup",
		Listen:           "127.0.0.1:6969",
	}
}

// Load builds the configuration. path may be empty, in which case
// DefaultFile is read if present. A .env file in the working directory
// is loaded before the environment is consulted.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w: %v", path, ErrInvalid, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ANISETTE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"ANISETTE_STORESERVICES":     &c.Libraries.StoreServices,
		"ANISETTE_COREADI":           &c.Libraries.CoreADI,
		"ANISETTE_LIBRARY_PATH":      &c.LibraryPath,
		"ANISETTE_PROVISIONING_PATH": &c.ProvisioningPath,
		"ANISETTE_STATE_DIR":         &c.StateDir,
		"ANISETTE_IDENTIFIER":        &c.Identifier,
		"ANISETTE_APPLE_ROOT_PEM":    &c.AppleRootPEM,
		"ANISETTE_LOOKUP_URL":        &c.LookupURL,
		"ANISETTE_LISTEN":            &c.Listen,
		"ANISETTE_CLIENT_INFO":       &c.ClientInfo,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("ANISETTE_LIB_DIR"); ok && v != "" {
		c.SetLibDir(v)
	}
	if v, ok := lookup("ANISETTE_DSID"); ok {
		d, err := ParseDSID(v)
		if err != nil {
			return err
		}
		c.DSID = d
	}
	if v, ok := lookup("ANISETTE_BUDGET"); ok {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("config: ANISETTE_BUDGET: %w: %v", ErrInvalid, err)
		}
		c.Budget = n
	}
	for name, dst := range map[string]*time.Duration{
		"ANISETTE_TIMEOUT":      &c.Timeout,
		"ANISETTE_CALL_TIMEOUT": &c.CallTimeout,
	} {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w: %v", name, ErrInvalid, err)
		}
		*dst = d
	}
	if v, ok := lookup("ANISETTE_INSECURE_SKIP_VERIFY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: ANISETTE_INSECURE_SKIP_VERIFY: %w: %v", ErrInvalid, err)
		}
		c.InsecureSkipVerify = b
	}
	return nil
}

// SetLibDir points both libraries at their usual names inside dir.
func (c *Config) SetLibDir(dir string) {
	c.Libraries.StoreServices = filepath.Join(dir, "libstoreservicescore.so")
	c.Libraries.CoreADI = filepath.Join(dir, "libCoreADI.so")
}

// Validate checks required fields.
func (c *Config) Validate() error {
	var problems []string
	if c.Libraries.StoreServices == "" || c.Libraries.CoreADI == "" {
		problems = append(problems, "both libraries must be set")
	}
	if c.LibraryPath == "" {
		problems = append(problems, "library_path is empty")
	}
	if c.StateDir == "" {
		problems = append(problems, "state_dir is empty")
	}
	if c.Timeout < 0 {
		problems = append(problems, "timeout is negative")
	}
	if c.CallTimeout < 0 {
		problems = append(problems, "call_timeout is negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// DSID is a device session id. It is written either as a signed decimal
// (-2) or as hex (0xFFFFFFFFFFFFFFFE).
type DSID uint64

// ParseDSID parses a signed decimal or 0x-prefixed hex dsid.
func ParseDSID(s string) (DSID, error) {
	s = strings.TrimSpace(s)
	if hex, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("config: dsid %q: %w", s, ErrInvalid)
		}
		return DSID(v), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: dsid %q: %w", s, ErrInvalid)
	}
	return DSID(uint64(v)), nil
}

// UnmarshalYAML accepts the same forms as ParseDSID.
func (d *DSID) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDSID(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalYAML writes the signed decimal form.
func (d DSID) MarshalYAML() (any, error) {
	return int64(d), nil
}

func (d DSID) String() string { return strconv.FormatInt(int64(d), 10) }
