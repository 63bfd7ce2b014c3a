package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeedFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "custodian.seed")
	require.NoError(t, SaveSeedFile(path, fixtureSeed))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	seed, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Equal(t, fixtureSeed, seed)
}

func TestSeedFileRejectsLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custodian.seed")
	require.NoError(t, os.WriteFile(path, []byte(fixtureSeed), 0o644))
	require.NoError(t, os.Chmod(path, 0o644))
	_, err := LoadSeedFile(path)
	require.Error(t, err)
}

func TestSaveSeedFileRejectsInvalidSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custodian.seed")
	require.ErrorIs(t, SaveSeedFile(path, "not-a-seed"), ErrInvalidSeed)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
