// Package realm resolves realm names to their disk image and home tree, and
// instantiates fresh realms from the base image.
package realm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk realm configuration, usually
// ~/.config/ph/realms.yaml.
type Config struct {
	// DefaultRealm is used when no --realm is given.
	DefaultRealm string `yaml:"default_realm"`

	// RealmDir holds one subdirectory per realm with its rootfs image and
	// home tree.
	RealmDir string `yaml:"realm_dir"`

	// BaseImage is the pristine root filesystem new realms are copied from.
	BaseImage string `yaml:"base_image"`

	// Kernel is the packaged kernel image; --kernel overrides it.
	Kernel string `yaml:"kernel"`

	// Initrd is the packaged initramfs, if any.
	Initrd string `yaml:"initrd"`

	// MemoryMiB is the guest RAM size. Defaults to 1024.
	MemoryMiB uint64 `yaml:"memory_mib"`
}

// Realm is a resolved realm: its block device image and its 9p home source.
type Realm struct {
	Name   string
	RootFS string
	Home   string
}

// DefaultConfigPath returns the per-user config location.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("realm: locate config dir: %w", err)
	}
	return filepath.Join(dir, "ph", "realms.yaml"), nil
}

// LoadConfig parses the configuration file. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		DefaultRealm: "main",
		MemoryMiB:    1024,
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("realm: read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("realm: parse config %s: %w", path, err)
		}
	}
	if cfg.MemoryMiB == 0 {
		cfg.MemoryMiB = 1024
	}
	if cfg.RealmDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("realm: locate home dir: %w", err)
		}
		cfg.RealmDir = filepath.Join(home, ".local", "share", "ph", "realms")
	}
	return cfg, nil
}

// Resolve returns the named realm, creating its directory layout (and, on
// first use, its root image from the base image) as needed.
func (c *Config) Resolve(name string, showProgress bool) (*Realm, error) {
	if name == "" {
		name = c.DefaultRealm
	}
	if c.RealmDir == "" {
		return nil, fmt.Errorf("realm: no realm directory configured")
	}

	dir := filepath.Join(c.RealmDir, name)
	r := &Realm{
		Name:   name,
		RootFS: filepath.Join(dir, "rootfs.ext4"),
		Home:   filepath.Join(dir, "home"),
	}

	if err := os.MkdirAll(r.Home, 0o755); err != nil {
		return nil, fmt.Errorf("realm: create home tree: %w", err)
	}

	if _, err := os.Stat(r.RootFS); os.IsNotExist(err) {
		if c.BaseImage == "" {
			return nil, fmt.Errorf("realm %q has no root image and no base image is configured", name)
		}
		if err := instantiate(c.BaseImage, r.RootFS, showProgress); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("realm: stat root image: %w", err)
	}

	return r, nil
}

// instantiate copies the base image into a fresh realm root.
func instantiate(base, dest string, showProgress bool) error {
	src, err := os.Open(base)
	if err != nil {
		return fmt.Errorf("realm: open base image: %w", err)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return fmt.Errorf("realm: stat base image: %w", err)
	}

	tmp := dest + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("realm: create root image: %w", err)
	}
	defer os.Remove(tmp)
	defer dst.Close()

	var out io.Writer = dst
	if showProgress {
		bar := progressbar.DefaultBytes(fi.Size(), fmt.Sprintf("creating realm from %s", filepath.Base(base)))
		out = io.MultiWriter(dst, bar)
	}

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("realm: copy base image: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("realm: sync root image: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("realm: commit root image: %w", err)
	}
	return nil
}
