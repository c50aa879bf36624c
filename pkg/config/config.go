// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config contains the sbupdate configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/siderolabs/go-pointer"
	"github.com/siderolabs/go-procfs/procfs"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/sbupdate/internal/pkg/kernel"
)

// DefaultPath is the default configuration file location.
const DefaultPath = "/etc/sbupdate.yaml"

// Signer backends.
const (
	SignerNative      = "native"
	SignerSbsigntools = "sbsigntools"
)

// Default values.
const (
	DefaultKeyDir  = "/etc/efi-keys"
	DefaultKey     = "DB.key"
	DefaultCert    = "DB.crt"
	DefaultESPDir  = "/boot"
	DefaultOutDir  = "EFI/Linux"
	DefaultSplash  = "/usr/share/systemd/bootctl/splash-arch.bmp"
	DefaultBootDir = "/boot"
	DefaultStubDir = "/usr/lib/systemd/boot/efi"
)

// DefaultInitrdPrepend lists the microcode images which are prepended to the initrd if present.
var DefaultInitrdPrepend = []string{"/boot/intel-ucode.img", "/boot/amd-ucode.img"}

// Validation errors.
var (
	ErrNoESP     = errors.New("ESP directory does not exist")
	ErrNoCmdline = errors.New("default kernel command line is not set")
)

// Format is the configuration file format.
type Format int

// Supported formats.
const (
	FormatYAML Format = iota
	FormatTOML
)

// FormatFromPath picks the format by the file extension, YAML is the default.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}

	return FormatYAML
}

// Config is the sbupdate configuration.
//
// Config is immutable once loaded.
type Config struct {
	// KeyDir is the directory with the signing key and certificate.
	KeyDir string `yaml:"keyDir,omitempty" toml:"keyDir,omitempty"`
	// Key is the signing key, relative to KeyDir unless absolute.
	Key string `yaml:"key,omitempty" toml:"key,omitempty"`
	// Cert is the signing certificate, relative to KeyDir unless absolute.
	Cert string `yaml:"cert,omitempty" toml:"cert,omitempty"`
	// ESPDir is the mount point of the EFI system partition.
	ESPDir string `yaml:"espDir,omitempty" toml:"espDir,omitempty"`
	// OutDir is the output directory, relative to ESPDir.
	OutDir string `yaml:"outDir,omitempty" toml:"outDir,omitempty"`
	// Splash is the splash image, empty string disables it.
	Splash *string `yaml:"splash,omitempty" toml:"splash,omitempty"`
	// Backup keeps the previous image as <image>.bak.
	Backup *bool `yaml:"backup,omitempty" toml:"backup,omitempty"`
	// ExtraSign is a list of additional files to sign (other boot loaders).
	ExtraSign []string `yaml:"extraSign,omitempty" toml:"extraSign,omitempty"`
	// CmdlineDefault is the kernel command line used unless overridden.
	CmdlineDefault string `yaml:"cmdlineDefault" toml:"cmdlineDefault"`
	// Cmdline overrides the kernel command line per kernel version.
	Cmdline map[string]string `yaml:"cmdline,omitempty" toml:"cmdline,omitempty"`
	// Initrd overrides the initrd path per kernel version.
	Initrd map[string]string `yaml:"initrd,omitempty" toml:"initrd,omitempty"`
	// InitrdPrepend lists images concatenated before the initrd, missing ones are skipped.
	InitrdPrepend []string `yaml:"initrdPrepend,omitempty" toml:"initrdPrepend,omitempty"`
	// BootDir is the directory with the kernel images.
	BootDir string `yaml:"bootDir,omitempty" toml:"bootDir,omitempty"`
	// OSRelease is the os-release file, defaults to /etc/os-release or /usr/lib/os-release.
	OSRelease string `yaml:"osRelease,omitempty" toml:"osRelease,omitempty"`
	// StubDir is the directory with the systemd-stub binaries.
	StubDir string `yaml:"stubDir,omitempty" toml:"stubDir,omitempty"`
	// Signer is the signing backend: native or sbsigntools.
	Signer string `yaml:"signer,omitempty" toml:"signer,omitempty"`
}

// Load reads, completes and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Decode(bytes.NewReader(data), FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Decode decodes the configuration and fills in the defaults.
//
// Unknown keys are rejected.
func Decode(r io.Reader, format Format) (*Config, error) {
	var cfg Config

	switch format {
	case FormatTOML:
		if err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&cfg); err != nil {
			return nil, err
		}
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)

		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown config format %d", format)
	}

	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) setDefaults() {
	setDefault(&c.KeyDir, DefaultKeyDir)
	setDefault(&c.Key, DefaultKey)
	setDefault(&c.Cert, DefaultCert)
	setDefault(&c.ESPDir, DefaultESPDir)
	setDefault(&c.OutDir, DefaultOutDir)
	setDefault(&c.BootDir, DefaultBootDir)
	setDefault(&c.StubDir, DefaultStubDir)
	setDefault(&c.Signer, SignerNative)

	if c.Splash == nil {
		c.Splash = pointer.To(DefaultSplash)
	}

	if c.Backup == nil {
		c.Backup = pointer.To(true)
	}

	if c.InitrdPrepend == nil {
		c.InitrdPrepend = DefaultInitrdPrepend
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate the configuration.
func (c *Config) Validate() error {
	st, err := os.Stat(c.ESPDir)
	if err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %s", ErrNoESP, c.ESPDir)
	}

	if strings.TrimSpace(c.CmdlineDefault) == "" {
		return ErrNoCmdline
	}

	switch c.Signer {
	case SignerNative, SignerSbsigntools:
	default:
		return fmt.Errorf("unknown signer %q", c.Signer)
	}

	for version, cmdline := range c.Cmdline {
		if strings.TrimSpace(cmdline) == "" {
			return fmt.Errorf("kernel command line for %q is empty", version)
		}
	}

	return nil
}

// BackupEnabled dereferences Backup.
func (c *Config) BackupEnabled() bool {
	return pointer.SafeDeref(c.Backup)
}

// SplashPath returns the splash image path, empty if disabled.
func (c *Config) SplashPath() string {
	return pointer.SafeDeref(c.Splash)
}

// KeyPath returns the path of the signing key.
func (c *Config) KeyPath() string {
	return c.inKeyDir(c.Key)
}

// CertPath returns the path of the signing certificate.
func (c *Config) CertPath() string {
	return c.inKeyDir(c.Cert)
}

func (c *Config) inKeyDir(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(c.KeyDir, path)
}

// OutputDir returns the directory the images are written to.
func (c *Config) OutputDir() string {
	return filepath.Join(c.ESPDir, c.OutDir)
}

// OutputPath returns the signed image path for the kernel version.
func (c *Config) OutputPath(v kernel.Version) string {
	return filepath.Join(c.OutputDir(), kernel.OutputName(v))
}

// CmdlineFor returns the effective kernel command line for the kernel version.
func (c *Config) CmdlineFor(v kernel.Version) string {
	if cmdline, ok := c.Cmdline[string(v)]; ok {
		return cmdline
	}

	return c.CmdlineDefault
}

// InitrdFor returns the effective initrd path for the kernel version.
func (c *Config) InitrdFor(v kernel.Version) string {
	if initrd, ok := c.Initrd[string(v)]; ok {
		return initrd
	}

	return kernel.InitramfsPath(c.BootDir, v)
}

// CmdlineHasRoot checks whether the kernel command line for the version names the root file system.
func (c *Config) CmdlineHasRoot(v kernel.Version) bool {
	return procfs.NewCmdline(c.CmdlineFor(v)).Get("root") != nil
}
