package secret

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	b := NewBox(filepath.Join(t.TempDir(), "keys", "identity.txt"))
	recipient, err := b.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	if !strings.HasPrefix(recipient, "age1") {
		t.Errorf("recipient = %q", recipient)
	}
	return b
}

func TestBox_SealOpen(t *testing.T) {
	b := newTestBox(t)

	var buf bytes.Buffer
	if err := b.Seal([]byte("s3cret"), &buf); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(buf.Bytes(), []byte("s3cret")) {
		t.Error("sealed output contains the plaintext")
	}

	got, err := b.Open(&buf)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(got) != "s3cret" {
		t.Errorf("Open() = %q", got)
	}
}

func TestBox_Files(t *testing.T) {
	b := newTestBox(t)
	path := filepath.Join(t.TempDir(), "bind_password.age")

	if err := b.SealFile(path, []byte("pw\n")); err != nil {
		t.Fatalf("SealFile() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secret mode = %o, want 600", perm)
	}

	got, err := b.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if got != "pw" {
		t.Errorf("OpenFile() = %q, want %q", got, "pw")
	}
}

func TestBox_WrongIdentity(t *testing.T) {
	a := newTestBox(t)
	other := newTestBox(t)

	var buf bytes.Buffer
	if err := a.Seal([]byte("x"), &buf); err != nil {
		t.Fatal(err)
	}
	if _, err := other.Open(&buf); err == nil {
		t.Error("Open() with another identity should fail")
	}
}

func TestBox_GenerateRefusesOverwrite(t *testing.T) {
	b := newTestBox(t)
	if _, err := b.GenerateIdentity(); err == nil {
		t.Error("second GenerateIdentity() should fail")
	}
}
