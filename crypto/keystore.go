package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SaveSeedFile writes an encoded seed to path with 0600 permissions.
// If the parent directory does not exist it will be created with 0700 permissions.
func SaveSeedFile(path, seed string) error {
	if path == "" {
		return errors.New("crypto: empty seed file path")
	}
	if _, err := DecodeSeed(seed); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "seed-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(seed + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSeedFile reads a seed written by SaveSeedFile. Files readable by group or
// others are refused.
func LoadSeedFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("crypto: empty seed file path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("crypto: seed file %s has permissions %v, want 0600", path, info.Mode().Perm())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	seed := strings.TrimSpace(string(raw))
	if _, err := DecodeSeed(seed); err != nil {
		return "", err
	}
	return seed, nil
}
