package realm

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig on missing file: %v", err)
	}
	if cfg.DefaultRealm != "main" {
		t.Fatalf("DefaultRealm = %q", cfg.DefaultRealm)
	}
	if cfg.MemoryMiB != 1024 {
		t.Fatalf("MemoryMiB = %d", cfg.MemoryMiB)
	}
	if cfg.RealmDir == "" {
		t.Fatal("RealmDir not defaulted")
	}
}

func TestLoadConfigParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realms.yaml")
	contents := `
default_realm: browser
realm_dir: /tank/realms
base_image: /tank/base.ext4
kernel: /tank/vmlinuz
memory_mib: 2048
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DefaultRealm != "browser" || cfg.RealmDir != "/tank/realms" ||
		cfg.BaseImage != "/tank/base.ext4" || cfg.Kernel != "/tank/vmlinuz" ||
		cfg.MemoryMiB != 2048 {
		t.Fatalf("parsed config = %+v", cfg)
	}
}

func TestResolveInstantiatesFromBase(t *testing.T) {
	dir := t.TempDir()

	base := filepath.Join(dir, "base.ext4")
	baseContents := bytes.Repeat([]byte("ext4!"), 4096)
	if err := os.WriteFile(base, baseContents, 0o644); err != nil {
		t.Fatalf("write base image: %v", err)
	}

	cfg := &Config{
		DefaultRealm: "main",
		RealmDir:     filepath.Join(dir, "realms"),
		BaseImage:    base,
	}

	r, err := cfg.Resolve("", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Name != "main" {
		t.Fatalf("realm name = %q", r.Name)
	}

	got, err := os.ReadFile(r.RootFS)
	if err != nil {
		t.Fatalf("read instantiated root: %v", err)
	}
	if !bytes.Equal(got, baseContents) {
		t.Fatal("instantiated root differs from the base image")
	}
	if fi, err := os.Stat(r.Home); err != nil || !fi.IsDir() {
		t.Fatalf("home tree missing: %v", err)
	}

	// Second resolve reuses the image without copying.
	if err := os.WriteFile(r.RootFS, []byte("modified"), 0o644); err != nil {
		t.Fatalf("modify root: %v", err)
	}
	if _, err := cfg.Resolve("main", false); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	got, _ = os.ReadFile(r.RootFS)
	if string(got) != "modified" {
		t.Fatal("existing realm image was overwritten")
	}
}

func TestResolveWithoutBaseFails(t *testing.T) {
	cfg := &Config{RealmDir: t.TempDir()}
	if _, err := cfg.Resolve("fresh", false); err == nil {
		t.Fatal("realm created with no base image configured")
	}
}
