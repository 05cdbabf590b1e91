package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDirsLayout(t *testing.T) {
	conf := DefaultConfig()
	conf.RootDir = t.TempDir()

	if err := conf.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	for _, dir := range []string{conf.VMsDir(), conf.DisksDir(), filepath.Dir(conf.IndexFile())} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestEnsureVMDir(t *testing.T) {
	conf := DefaultConfig()
	conf.RootDir = t.TempDir()

	if err := conf.EnsureVMDir("vm-1"); err != nil {
		t.Fatalf("ensure VM dir: %v", err)
	}
	info, err := os.Stat(conf.VMDir("vm-1"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("VM dir is not a directory")
	}
	// Idempotent on an existing directory.
	if err := conf.EnsureVMDir("vm-1"); err != nil {
		t.Errorf("second ensure: %v", err)
	}
}

func TestVMPathsLiveUnderVMDir(t *testing.T) {
	conf := DefaultConfig()
	conf.RootDir = "/var/lib/vman"

	dir := conf.VMDir("vm-1")
	for name, path := range map[string]string{
		"pid file":  conf.VMPIDFile("vm-1"),
		"socket":    conf.VMSocketPath("vm-1"),
		"log":       conf.VMProcessLog("vm-1"),
		"root disk": conf.VMRootDisk("vm-1"),
	} {
		if filepath.Dir(path) != dir {
			t.Errorf("%s %s not under %s", name, path, dir)
		}
	}
	if filepath.Dir(conf.DiskPath("d-1")) != conf.DisksDir() {
		t.Errorf("disk path %s not under %s", conf.DiskPath("d-1"), conf.DisksDir())
	}
}
