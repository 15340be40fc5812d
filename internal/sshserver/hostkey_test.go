package sshserver

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadOrCreateHostKeyGenerates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")

	signer, err := LoadOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateHostKey: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Errorf("key type = %s, want ssh-ed25519", signer.PublicKey().Type())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("host key file not written: %v", err)
	}
	if runtime.GOOS != "windows" {
		if got := info.Mode().Perm(); got != 0600 {
			t.Errorf("host key mode = %o, want 0600", got)
		}
	}
}

func TestLoadOrCreateHostKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")

	first, err := LoadOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := LoadOrCreateHostKey(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	a := string(first.PublicKey().Marshal())
	b := string(second.PublicKey().Marshal())
	if a != b {
		t.Error("host key changed between loads")
	}
}

func TestLoadOrCreateHostKeyBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")
	if err := os.WriteFile(path, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateHostKey(path); err == nil {
		t.Fatal("expected parse error for corrupt host key")
	}
}
