package credentials

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpy-dev-ml/rbum/internal/crypto"
	"github.com/mpy-dev-ml/rbum/internal/models"
)

func newTestVault(t *testing.T) *FileVault {
	t.Helper()
	v, err := NewFileVault(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return v
}

func TestFileVault_StoreRetrieveRoundTrip(t *testing.T) {
	v := newTestVault(t)

	repoID := uuid.New()
	creds := models.NewRepositoryCredentials(repoID, "hunter2", "/backups/repo")
	require.NoError(t, v.Store(creds))

	got, err := v.Retrieve(repoID)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.Password)
	assert.Equal(t, "/backups/repo", got.RepositoryPath)
	assert.Equal(t, repoID, got.RepositoryID)
}

func TestFileVault_RetrieveMissing(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Retrieve(uuid.New())
	assert.ErrorIs(t, err, ErrCredentialsNotFound)
}

func TestFileVault_OverwritePreservesCreatedAt(t *testing.T) {
	v := newTestVault(t)

	repoID := uuid.New()
	first := models.NewRepositoryCredentials(repoID, "old-password", "/backups/repo")
	require.NoError(t, v.Store(first))
	created := first.CreatedAt

	time.Sleep(10 * time.Millisecond)

	second := models.NewRepositoryCredentials(repoID, "new-password", "/backups/repo")
	require.NoError(t, v.Store(second))

	got, err := v.Retrieve(repoID)
	require.NoError(t, err)
	assert.Equal(t, "new-password", got.Password)
	assert.True(t, got.CreatedAt.Equal(created), "overwrite must keep CreatedAt")
	assert.True(t, got.ModifiedAt.After(created), "overwrite must advance ModifiedAt")
}

func TestFileVault_DeleteAndList(t *testing.T) {
	v := newTestVault(t)

	idA := uuid.New()
	idB := uuid.New()
	require.NoError(t, v.Store(models.NewRepositoryCredentials(idA, "a", "/a")))
	require.NoError(t, v.Store(models.NewRepositoryCredentials(idB, "b", "/b")))

	ids, err := v.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{idA, idB}, ids)

	require.NoError(t, v.Delete(idA))

	ids, err = v.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{idB}, ids)

	_, err = v.Retrieve(idA)
	assert.ErrorIs(t, err, ErrCredentialsNotFound)

	err = v.Delete(idA)
	assert.ErrorIs(t, err, ErrCredentialsNotFound)
}

func TestFileVault_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	v1, err := NewFileVault(dir, zerolog.Nop())
	require.NoError(t, err)

	repoID := uuid.New()
	require.NoError(t, v1.Store(models.NewRepositoryCredentials(repoID, "persisted", "/repo")))

	// A second instance picks up the same master key and unseals the vault.
	v2, err := NewFileVault(dir, zerolog.Nop())
	require.NoError(t, err)

	got, err := v2.Retrieve(repoID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Password)
}

func TestFileVault_VaultFileIsSealed(t *testing.T) {
	dir := t.TempDir()
	v, err := NewFileVault(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, v.Store(models.NewRepositoryCredentials(uuid.New(), "super-secret", "/repo")))

	raw, err := os.ReadFile(filepath.Join(dir, vaultFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret")

	info, err := os.Stat(filepath.Join(dir, vaultFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileVault_WrongKeyFailsToUnseal(t *testing.T) {
	dir := t.TempDir()
	v1, err := NewFileVault(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, v1.Store(models.NewRepositoryCredentials(uuid.New(), "pw", "/repo")))

	// Replace the master key so the next instance derives a different one.
	require.NoError(t, os.Remove(filepath.Join(dir, keyFile)))

	v2, err := NewFileVault(dir, zerolog.Nop())
	require.NoError(t, err)

	_, err = v2.List()
	assert.Error(t, err)
}

func TestFileVault_SuppliedKey(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)

	v1, err := NewFileVaultWithKey(dir, key, zerolog.Nop())
	require.NoError(t, err)

	repoID := uuid.New()
	require.NoError(t, v1.Store(models.NewRepositoryCredentials(repoID, "supplied", "/repo")))

	// No key file is written when the key comes from the caller.
	_, err = os.Stat(filepath.Join(dir, keyFile))
	assert.True(t, os.IsNotExist(err), "key file must not be persisted")

	// The same key unseals the vault; a different one cannot.
	v2, err := NewFileVaultWithKey(dir, key, zerolog.Nop())
	require.NoError(t, err)
	got, err := v2.Retrieve(repoID)
	require.NoError(t, err)
	assert.Equal(t, "supplied", got.Password)

	otherKey, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	v3, err := NewFileVaultWithKey(dir, otherKey, zerolog.Nop())
	require.NoError(t, err)
	_, err = v3.Retrieve(repoID)
	assert.Error(t, err)

	_, err = NewFileVaultWithKey(dir, []byte("short"), zerolog.Nop())
	assert.Error(t, err)
}

func TestFileVault_PassphraseDerivedKey(t *testing.T) {
	dir := t.TempDir()

	v1, err := NewFileVaultWithPassphrase(dir, []byte("open sesame"), zerolog.Nop())
	require.NoError(t, err)

	repoID := uuid.New()
	require.NoError(t, v1.Store(models.NewRepositoryCredentials(repoID, "derived", "/repo")))

	// Same passphrase and salt unseal the vault.
	v2, err := NewFileVaultWithPassphrase(dir, []byte("open sesame"), zerolog.Nop())
	require.NoError(t, err)
	got, err := v2.Retrieve(repoID)
	require.NoError(t, err)
	assert.Equal(t, "derived", got.Password)

	// A wrong passphrase cannot.
	v3, err := NewFileVaultWithPassphrase(dir, []byte("wrong"), zerolog.Nop())
	require.NoError(t, err)
	_, err = v3.Retrieve(repoID)
	assert.Error(t, err)
}
