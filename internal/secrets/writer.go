package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
)

// FileMode is the permission set for every materialized secret: readable by
// the owning user only, never writable after the write.
const FileMode os.FileMode = 0o400

// WriteFile atomically materializes one secret file. The data is written to
// a temp file in the same directory, flushed, then renamed over the target,
// so a consumer can never observe a partially written file. Pre-existing
// files are replaced.
func WriteFile(dir, name string, data []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	target := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return keyvault.E(keyvault.KindIO, "create temp file", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return keyvault.E(keyvault.KindIO, "write secret file", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return keyvault.E(keyvault.KindIO, "sync secret file", name, err)
	}
	if err := tmp.Close(); err != nil {
		return keyvault.E(keyvault.KindIO, "close secret file", name, err)
	}

	if err := os.Chmod(tmpPath, FileMode); err != nil {
		return keyvault.E(keyvault.KindIO, "set secret file mode", name, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return keyvault.E(keyvault.KindIO, "commit secret file", name, err)
	}
	return nil
}

// Exists reports whether a regular file with this name is already present.
func Exists(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a materialized file; missing files are not an error. Used
// to roll back files created by an aborted run.
func Remove(dir, name string) error {
	err := os.Remove(filepath.Join(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return keyvault.E(keyvault.KindIO, "remove secret file", name, err)
	}
	return nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return keyvault.E(keyvault.KindIO, "validate file name", name,
			fmt.Errorf("invalid secret file name %q", name))
	}
	return nil
}
