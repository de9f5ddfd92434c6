// Package device manages device.json, the identity a provisioned machine
// presents to Apple.
package device

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileName is the device record's name inside a state directory.
const FileName = "device.json"

// DefaultClientInfo is the X-MMe-Client-Info value of a fresh device.
const DefaultClientInfo = "<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>"

// ErrInvalid is returned for a device record that fails to parse.
var ErrInvalid = errors.New("invalid device record")

// Device is the content of device.json.
type Device struct {
	UUID       string `json:"UUID"`
	ClientInfo string `json:"clientInfo"`
	Identifier string `json:"identifier"`
	LocalUUID  string `json:"localUUID"`
}

// New returns a device with fresh random identifiers.
func New() (*Device, error) {
	identifier, err := randomHex(8)
	if err != nil {
		return nil, err
	}
	local, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	return &Device{
		UUID:       strings.ToUpper(uuid.NewString()),
		ClientInfo: DefaultClientInfo,
		Identifier: identifier,
		LocalUUID:  strings.ToUpper(local),
	}, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("device: random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Parse decodes a device record.
func Parse(data []byte) (*Device, error) {
	var d Device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("device: %w: %v", ErrInvalid, err)
	}
	if d.UUID == "" || d.Identifier == "" {
		return nil, fmt.Errorf("device: %w: missing UUID or identifier", ErrInvalid)
	}
	return &d, nil
}

// Marshal encodes d the way it is stored on disk.
func (d *Device) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Load reads the record at path. A missing file yields ok == false and no
// error.
func Load(path string) (d *Device, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("device: %w", err)
	}
	d, err = Parse(data)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// LoadOrCreate loads the record at path, creating and saving a fresh one
// when none exists.
func LoadOrCreate(path string) (*Device, error) {
	d, ok, err := Load(path)
	if err != nil || ok {
		return d, err
	}
	if d, err = New(); err != nil {
		return nil, err
	}
	return d, d.Save(path)
}

// Save writes the record to path, creating parent directories.
func (d *Device) Save(path string) error {
	data, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	return nil
}
