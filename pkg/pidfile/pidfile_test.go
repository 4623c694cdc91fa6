package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestCreateAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gandalf.pid")

	pf, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer pf.Remove()

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != os.Getpid() {
		t.Errorf("Read = %d, want %d", got, os.Getpid())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm()&0o600 == 0 {
		t.Errorf("mode = %v, want at least owner rw", info.Mode())
	}
}

func TestCreateSecondInstanceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gandalf.pid")

	pf, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer pf.Remove()

	_, err = Create(path)
	if err == nil {
		t.Fatalf("expected second Create to fail while first is held")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Errorf("Create error = %v, want *LockError", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nonexistent.pid"))
	if err == nil {
		t.Fatalf("expected error reading missing pid file")
	}
}

func TestReadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pid")
	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Read(path); err == nil {
		t.Fatalf("expected error parsing garbage pid file")
	}
}

func TestPidIsAsciiDecimal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gandalf.pid")
	pf, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer pf.Remove()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := strconv.Atoi(string(b)); err != nil {
		t.Errorf("pid file contents %q not ascii decimal: %v", b, err)
	}
}
