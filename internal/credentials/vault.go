// Package credentials stores restic repository passwords at rest.
//
// Secrets live in a single encrypted document; the master key is either
// generated once and kept beside the vault or derived from a passphrase.
// Callers only ever see decrypted credentials keyed by repository ID.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mpy-dev-ml/rbum/internal/crypto"
	"github.com/mpy-dev-ml/rbum/internal/models"
)

const (
	vaultFile = "credentials.dat"
	keyFile   = "master.key"
	saltFile  = "vault.salt"
)

// ErrCredentialsNotFound is returned when no credentials exist for the
// repository.
var ErrCredentialsNotFound = errors.New("credentials not found")

// Manager is the credential storage boundary.
type Manager interface {
	Store(creds *models.RepositoryCredentials) error
	Retrieve(repoID uuid.UUID) (*models.RepositoryCredentials, error)
	Delete(repoID uuid.UUID) error
	List() ([]uuid.UUID, error)
}

// FileVault implements Manager with one AES-256-GCM sealed JSON document.
type FileVault struct {
	path   string
	km     *crypto.KeyManager
	logger zerolog.Logger

	mu sync.Mutex
}

var _ Manager = (*FileVault)(nil)

// NewFileVault opens the vault under dir, generating and persisting a
// master key on first use.
func NewFileVault(dir string, logger zerolog.Logger) (*FileVault, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}

	key, err := loadOrCreateMasterKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}

	km, err := crypto.NewKeyManager(key)
	if err != nil {
		return nil, fmt.Errorf("create key manager: %w", err)
	}

	return &FileVault{
		path:   filepath.Join(dir, vaultFile),
		km:     km,
		logger: logger.With().Str("component", "credentials").Logger(),
	}, nil
}

// NewFileVaultWithKey opens the vault under dir with a caller-supplied
// master key, bypassing the key file. The daemon uses this when
// RBUM_MASTER_KEY is set so the key never has to live on disk.
func NewFileVaultWithKey(dir string, key []byte, logger zerolog.Logger) (*FileVault, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}

	km, err := crypto.NewKeyManager(key)
	if err != nil {
		return nil, fmt.Errorf("create key manager: %w", err)
	}

	return &FileVault{
		path:   filepath.Join(dir, vaultFile),
		km:     km,
		logger: logger.With().Str("component", "credentials").Logger(),
	}, nil
}

// NewFileVaultWithPassphrase opens the vault under dir with a key derived
// from passphrase. The derivation salt is generated on first use and kept
// beside the vault.
func NewFileVaultWithPassphrase(dir string, passphrase []byte, logger zerolog.Logger) (*FileVault, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}

	salt, err := loadOrCreateSalt(filepath.Join(dir, saltFile))
	if err != nil {
		return nil, err
	}

	km, err := crypto.NewKeyManager(crypto.DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create key manager: %w", err)
	}

	return &FileVault{
		path:   filepath.Join(dir, vaultFile),
		km:     km,
		logger: logger.With().Str("component", "credentials").Logger(),
	}, nil
}

// Store writes credentials for their repository, replacing any existing
// entry. An overwrite keeps the original CreatedAt and advances
// ModifiedAt.
func (v *FileVault) Store(creds *models.RepositoryCredentials) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.load()
	if err != nil {
		return err
	}

	key := creds.RepositoryID.String()
	if existing, ok := entries[key]; ok {
		creds.CreatedAt = existing.CreatedAt
		creds.Touch()
	}
	entries[key] = creds

	if err := v.save(entries); err != nil {
		return err
	}

	v.logger.Info().
		Str("repository_id", key).
		Msg("credentials stored")
	return nil
}

// Retrieve returns the credentials for the repository.
func (v *FileVault) Retrieve(repoID uuid.UUID) (*models.RepositoryCredentials, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.load()
	if err != nil {
		return nil, err
	}

	creds, ok := entries[repoID.String()]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return creds, nil
}

// Delete removes the credentials for the repository.
func (v *FileVault) Delete(repoID uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.load()
	if err != nil {
		return err
	}

	key := repoID.String()
	if _, ok := entries[key]; !ok {
		return ErrCredentialsNotFound
	}
	delete(entries, key)

	if err := v.save(entries); err != nil {
		return err
	}

	v.logger.Info().Str("repository_id", key).Msg("credentials deleted")
	return nil
}

// List returns the repository IDs that have stored credentials.
func (v *FileVault) List() ([]uuid.UUID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries, err := v.load()
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for key := range entries {
		id, err := uuid.Parse(key)
		if err != nil {
			v.logger.Warn().Str("key", key).Msg("skipping malformed vault entry")
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (v *FileVault) load() (map[string]*models.RepositoryCredentials, error) {
	sealed, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*models.RepositoryCredentials), nil
		}
		return nil, fmt.Errorf("read vault: %w", err)
	}

	plaintext, err := v.km.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal vault: %w", err)
	}

	entries := make(map[string]*models.RepositoryCredentials)
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("parse vault: %w", err)
	}
	return entries, nil
}

func (v *FileVault) save(entries map[string]*models.RepositoryCredentials) error {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}

	sealed, err := v.km.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("seal vault: %w", err)
	}

	if err := os.WriteFile(v.path, sealed, 0600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	return nil
}

// loadOrCreateMasterKey reads the base64 master key, generating one with
// owner-only permissions when absent.
func loadOrCreateMasterKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := crypto.MasterKeyFromBase64(string(data))
		if err != nil {
			return nil, fmt.Errorf("load master key: %w", err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key, err := crypto.GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(crypto.MasterKeyToBase64(key)), 0600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != crypto.SaltSize {
			return nil, fmt.Errorf("salt file %s has wrong size %d", path, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	salt, err = crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}
