package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

// Store is the credential vault: secrets are encrypted on Put and
// decrypted on Get, and the repository only ever sees ciphertext.
type Store struct {
	repo   repo.Credentials
	cipher *Cipher
}

func NewStore(r repo.Credentials, c *Cipher) *Store {
	return &Store{repo: r, cipher: c}
}

func (s *Store) Put(ctx context.Context, c models.Credential) (models.Credential, error) {
	sealed, err := s.seal(c.Secrets)
	if err != nil {
		return models.Credential{}, err
	}
	c.EncryptedSecrets = sealed
	c.Secrets = nil
	saved, err := s.repo.Upsert(ctx, c)
	if err != nil {
		return models.Credential{}, err
	}
	return saved.Redacted(), nil
}

func (s *Store) Get(ctx context.Context, businessID string, method models.PaymentMethod) (models.Credential, error) {
	c, err := s.repo.Get(ctx, businessID, method)
	if err != nil {
		return models.Credential{}, err
	}
	secrets, err := s.open(c.EncryptedSecrets)
	if err != nil {
		return models.Credential{}, fmt.Errorf("open credentials %s/%s: %w", businessID, method, err)
	}
	c.Secrets = secrets
	c.EncryptedSecrets = nil
	return c, nil
}

func (s *Store) Delete(ctx context.Context, businessID string, method models.PaymentMethod) error {
	return s.repo.Delete(ctx, businessID, method)
}

func (s *Store) seal(secrets map[string]string) ([]byte, error) {
	if secrets == nil {
		secrets = map[string]string{}
	}
	plain, err := json.Marshal(secrets)
	if err != nil {
		return nil, err
	}
	return s.cipher.Encrypt(plain)
}

func (s *Store) open(sealed []byte) (map[string]string, error) {
	plain, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, err
	}
	return out, nil
}
