package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrCredentialNotFound is returned for unknown credential ids.
var ErrCredentialNotFound = errors.New("credential not found")

// Provider resolves an opaque credential id to its decrypted data.
// The engine and the integration-operation node only ever see the
// decrypted map at call time; at rest everything is an AES-GCM blob
// keyed by the configured encryption key.
type Provider struct {
	store     BlobStore
	encryptor *Encryptor
}

// BlobStore persists encrypted credential blobs by id.
type BlobStore interface {
	Get(ctx context.Context, id string) (string, error)
	Put(ctx context.Context, id string, blob string) error
	Delete(ctx context.Context, id string) error
}

// NewProvider builds a Provider over a blob store, deriving the AES
// key from encryptionKey.
func NewProvider(store BlobStore, encryptionKey string) (*Provider, error) {
	cfg := DefaultEncryptionConfig()
	cfg.Key = encryptionKey
	enc, err := NewEncryptor(cfg)
	if err != nil {
		return nil, fmt.Errorf("build encryptor: %w", err)
	}
	return &Provider{store: store, encryptor: enc}, nil
}

// ResolveCredential loads and decrypts one credential.
func (p *Provider) ResolveCredential(ctx context.Context, credentialID string) (map[string]interface{}, error) {
	blob, err := p.store.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := p.encryptor.DecryptJSON(blob, &data); err != nil {
		return nil, fmt.Errorf("decrypt credential %s: %w", credentialID, err)
	}
	return data, nil
}

// StoreCredential encrypts and persists one credential.
func (p *Provider) StoreCredential(ctx context.Context, credentialID string, data map[string]interface{}) error {
	blob, err := p.encryptor.EncryptJSON(data)
	if err != nil {
		return fmt.Errorf("encrypt credential %s: %w", credentialID, err)
	}
	return p.store.Put(ctx, credentialID, blob)
}

// InMemoryBlobStore is a process-local BlobStore.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]string
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]string)}
}

func (s *InMemoryBlobStore) Get(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[id]
	if !ok {
		return "", ErrCredentialNotFound
	}
	return blob, nil
}

func (s *InMemoryBlobStore) Put(ctx context.Context, id string, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = blob
	return nil
}

func (s *InMemoryBlobStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
	return nil
}

// PostgresBlobStore keeps encrypted blobs in the
// integration_connections table.
type PostgresBlobStore struct {
	db *sql.DB
}

func NewPostgresBlobStore(db *sql.DB) *PostgresBlobStore {
	return &PostgresBlobStore{db: db}
}

func (s *PostgresBlobStore) Get(ctx context.Context, id string) (string, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `
		SELECT encrypted_data FROM integration_connections WHERE id = $1
	`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load credential blob: %w", err)
	}
	return blob, nil
}

func (s *PostgresBlobStore) Put(ctx context.Context, id string, blob string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_connections (id, encrypted_data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET encrypted_data = EXCLUDED.encrypted_data, updated_at = NOW()
	`, id, blob)
	if err != nil {
		return fmt.Errorf("store credential blob: %w", err)
	}
	return nil
}

func (s *PostgresBlobStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM integration_connections WHERE id = $1`, id)
	return err
}
