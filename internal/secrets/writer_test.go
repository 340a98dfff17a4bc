package secrets_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
	"github.com/xabxx/acs-keyvault-agent/internal/secrets"
)

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	if err := secrets.WriteFile(dir, "dbpass", []byte("hunter2")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	path := filepath.Join(dir, "dbpass")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hunter2" {
		t.Errorf("content = %q", data)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != secrets.FileMode {
		t.Errorf("mode = %o, want %o", info.Mode().Perm(), secrets.FileMode)
	}
}

func TestWriteFileOverwrite(t *testing.T) {
	dir := t.TempDir()
	if err := secrets.WriteFile(dir, "apikey", []byte("old")); err != nil {
		t.Fatal(err)
	}
	// A read-only target must still be replaceable on a re-run.
	if err := secrets.WriteFile(dir, "apikey", []byte("new")); err != nil {
		t.Fatalf("WriteFile() overwrite error = %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "apikey"))
	if string(data) != "new" {
		t.Errorf("content = %q, want new", data)
	}
}

func TestWriteFileLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	if err := secrets.WriteFile(dir, "dbpass", []byte("x")); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestWriteFileRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, ".hidden"} {
		err := secrets.WriteFile(dir, name, []byte("x"))
		if !keyvault.IsKind(err, keyvault.KindIO) {
			t.Errorf("WriteFile(%q) error = %v, want io kind", name, err)
		}
	}
}

func TestExistsAndRemove(t *testing.T) {
	dir := t.TempDir()
	if secrets.Exists(dir, "dbpass") {
		t.Error("Exists() = true before write")
	}
	if err := secrets.WriteFile(dir, "dbpass", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if !secrets.Exists(dir, "dbpass") {
		t.Error("Exists() = false after write")
	}
	if err := secrets.Remove(dir, "dbpass"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if secrets.Exists(dir, "dbpass") {
		t.Error("Exists() = true after remove")
	}
	// Removing a missing file is not an error.
	if err := secrets.Remove(dir, "dbpass"); err != nil {
		t.Errorf("Remove() of missing file error = %v", err)
	}
}
