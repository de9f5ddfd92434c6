// Package provider keeps one ADI session ready to produce anisette
// headers. It owns the state directory, provisions the machine on first
// use and persists the provisioning state the vendor code writes.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/config"
	"github.com/zboralski/anisette/internal/device"
	"github.com/zboralski/anisette/internal/emulator"
	glog "github.com/zboralski/anisette/internal/log"
	"github.com/zboralski/anisette/internal/provisioning"
	"github.com/zboralski/anisette/internal/vfs"
	"go.uber.org/zap"
)

// StateFile is the provisioning state written by the vendor code.
const StateFile = "adi.pb"

// Config configures a Provider.
type Config struct {
	StoreServices []byte
	CoreADI       []byte

	LibraryPath      string
	ProvisioningPath string

	// StateDir holds device.json and adi.pb.
	StateDir string

	// Identifier overrides the device's identifier when set.
	Identifier string
	ClientInfo string
	DSID       uint64

	Options      emulator.Options
	Provisioning provisioning.Config
	Trace        emulator.CodeHookFunc
	Now          func() time.Time
}

// FromConfig reads the vendor libraries named by c.
func FromConfig(c *config.Config) (Config, error) {
	ss, err := os.ReadFile(c.Libraries.StoreServices)
	if err != nil {
		return Config{}, fmt.Errorf("provider: %w", err)
	}
	core, err := os.ReadFile(c.Libraries.CoreADI)
	if err != nil {
		return Config{}, fmt.Errorf("provider: %w", err)
	}
	return Config{
		StoreServices:    ss,
		CoreADI:          core,
		LibraryPath:      c.LibraryPath,
		ProvisioningPath: c.ProvisioningPath,
		StateDir:         c.StateDir,
		Identifier:       c.Identifier,
		ClientInfo:       c.ClientInfo,
		DSID:             uint64(c.DSID),
		Options:          emulator.Options{Budget: c.Budget, Timeout: c.CallTimeout},
		Provisioning: provisioning.Config{
			LookupURL:          c.LookupURL,
			Timeout:            c.Timeout,
			RootPEM:            c.AppleRootPEM,
			InsecureSkipVerify: c.InsecureSkipVerify,
		},
	}, nil
}

// Provider serializes access to a session. All methods are safe for
// concurrent use.
type Provider struct {
	mu      sync.Mutex
	cfg     Config
	dev     *device.Device
	client  *provisioning.Client
	session *adi.Session
	now     func() time.Time
}

// New loads or creates the device record in cfg.StateDir. The session is
// built lazily.
func New(cfg Config) (*Provider, error) {
	if cfg.ProvisioningPath == "" {
		cfg.ProvisioningPath = adi.DefaultPath
	}
	if cfg.LibraryPath == "" {
		cfg.LibraryPath = adi.DefaultPath
	}
	dev, err := device.LoadOrCreate(filepath.Join(cfg.StateDir, device.FileName))
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	if cfg.ClientInfo != "" {
		dev.ClientInfo = cfg.ClientInfo
	}
	if cfg.Identifier != "" {
		dev.Identifier = cfg.Identifier
	}
	if cfg.Provisioning.Now == nil {
		cfg.Provisioning.Now = cfg.Now
	}
	client, err := provisioning.New(cfg.Provisioning, dev)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	p := &Provider{cfg: cfg, dev: dev, client: client, now: cfg.Now}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Device returns the device record presented to Apple.
func (p *Provider) Device() *device.Device { return p.dev }

func (p *Provider) statePath() string { return filepath.Join(p.cfg.StateDir, StateFile) }

// guestStatePath is where the vendor code keeps adi.pb.
func (p *Provider) guestStatePath() string { return path.Join(p.cfg.ProvisioningPath, StateFile) }

// Files returns a store seeded with the persisted state, as a fresh
// session would see it.
func (p *Provider) Files() (*vfs.Store, error) {
	files := vfs.New(p.cfg.LibraryPath, p.cfg.ProvisioningPath)
	data, err := os.ReadFile(p.statePath())
	switch {
	case err == nil:
		if err := files.Write(p.guestStatePath(), data); err != nil {
			return nil, fmt.Errorf("provider: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("provider: %w", err)
	}
	return files, nil
}

func (p *Provider) init() error {
	files, err := p.Files()
	if err != nil {
		return err
	}
	cfg := adi.Config{
		StoreServices:    p.cfg.StoreServices,
		CoreADI:          p.cfg.CoreADI,
		LibraryPath:      p.cfg.LibraryPath,
		ProvisioningPath: p.cfg.ProvisioningPath,
		Identifier:       p.dev.Identifier,
		Files:            files,
		Options:          p.cfg.Options,
		Trace:            p.cfg.Trace,
	}
	if p.session == nil {
		p.session = adi.NewSession()
	}
	if err := p.session.Init(cfg); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	return nil
}

// ready returns a usable session, rebuilding it if it was never built,
// has faulted or was left in the middle of a provisioning exchange.
func (p *Provider) ready() (*adi.Session, error) {
	switch {
	case p.session == nil, p.session.State() == adi.Uninitialized:
	case p.session.Fault() != nil:
		glog.L.Warn("rebuilding faulted session", zap.Error(p.session.Fault()))
	case p.session.State() == adi.ProvisioningStarted:
		glog.L.Warn("rebuilding session with an abandoned provisioning attempt")
	default:
		return p.session, nil
	}
	if err := p.init(); err != nil {
		return nil, err
	}
	return p.session, nil
}

// Provisioned reports whether the machine holds valid provisioning state.
func (p *Provider) Provisioned() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.ready()
	if err != nil {
		return false, err
	}
	return s.IsMachineProvisioned(p.cfg.DSID)
}

// Provision runs the GSA exchange unless the machine is already
// provisioned. force provisions regardless.
func (p *Provider) Provision(ctx context.Context, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provision(ctx, force)
}

func (p *Provider) provision(ctx context.Context, force bool) error {
	s, err := p.ready()
	if err != nil {
		return err
	}
	if !force {
		ok, err := s.IsMachineProvisioned(p.cfg.DSID)
		if err != nil {
			return fmt.Errorf("provider: %w", err)
		}
		if ok {
			return nil
		}
	}
	if err := p.client.Provision(ctx, s, p.cfg.DSID); err != nil {
		if s.State() == adi.ProvisioningStarted {
			// The exchange failed after StartProvisioning; the next use
			// starts over from the persisted state.
			s.Close()
		}
		return err
	}
	return p.persist()
}

// persist copies adi.pb out of the session into the state directory.
func (p *Provider) persist() error {
	data, err := p.session.Files().Read(p.guestStatePath())
	if err != nil {
		return fmt.Errorf("provider: provisioning left no state: %w", err)
	}
	if err := os.MkdirAll(p.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := os.WriteFile(p.statePath(), data, 0o600); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	glog.L.Info("provisioning state saved", zap.String("path", p.statePath()), glog.Len("state", data))
	return nil
}

// OTP provisions if needed and requests a one-time password. A call
// that faults is retried once on a fresh session.
func (p *Provider) OTP(ctx context.Context) (*adi.OTP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.provision(ctx, false); err != nil {
		return nil, err
	}
	otp, err := p.session.RequestOTP(p.cfg.DSID)
	if adi.Fatal(err) {
		glog.L.Warn("OTP request faulted, retrying on a fresh session", zap.Error(err))
		if err := p.init(); err != nil {
			return nil, err
		}
		otp, err = p.session.RequestOTP(p.cfg.DSID)
	}
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	return otp, nil
}

// Headers returns a fresh set of anisette headers.
func (p *Provider) Headers(ctx context.Context) (map[string]string, error) {
	otp, err := p.OTP(ctx)
	if err != nil {
		return nil, err
	}
	return provisioning.Headers(p.dev, otp, p.now()), nil
}

// State reports the current session state.
func (p *Provider) State() adi.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return adi.Uninitialized
	}
	return p.session.State()
}

// Reset discards the persisted provisioning state and the session.
func (p *Provider) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		p.session.Close()
		p.session = nil
	}
	if err := os.Remove(p.statePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("provider: %w", err)
	}
	return nil
}

// Close releases the session.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	return p.session.Close()
}
