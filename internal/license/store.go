package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"computehub/internal/security"
)

// storeFile is the single credential slot. There is never more than
// one activation per installation, so the store is a file, not a DB.
const storeFile = "license.dat"

// ErrStoreCorrupt reports a credential slot that exists on disk but
// cannot be decoded or unsealed. Callers treat it as no activation;
// the next successful Save rewrites the slot.
var ErrStoreCorrupt = errors.New("credential store is corrupt")

// Store persists the ActivationRecord sealed under the installation
// secret. The plaintext license key never touches disk.
type Store struct {
	path   string
	secret []byte
}

// NewStore returns a store writing to dataDir. secret is the
// installation secret used to seal records.
func NewStore(dataDir string, secret []byte) *Store {
	return &Store{
		path:   filepath.Join(dataDir, storeFile),
		secret: secret,
	}
}

// Save seals rec and atomically replaces the credential slot.
func (s *Store) Save(rec *ActivationRecord) error {
	if rec == nil {
		return errors.New("nil activation record")
	}
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode activation record: %w", err)
	}
	payload, err := security.Seal(plain, s.secret)
	if err != nil {
		return fmt.Errorf("seal activation record: %w", err)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sealed payload: %w", err)
	}
	if err := security.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	return nil
}

// Load returns the stored record, nil when no activation exists, or an
// error wrapping ErrStoreCorrupt when the slot cannot be read back.
func (s *Store) Load() (*ActivationRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}

	var payload security.SealedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	plain, err := security.Open(&payload, s.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	var rec ActivationRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if rec.LicenseKey == "" || rec.InstallationID == uuid.Nil {
		return nil, fmt.Errorf("%w: record is missing required fields", ErrStoreCorrupt)
	}
	return &rec, nil
}

// Clear removes the credential slot. Clearing an empty store is a
// no-op.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear credential store: %w", err)
	}
	return nil
}

// Path exposes the slot location for diagnostics.
func (s *Store) Path() string {
	return s.path
}
