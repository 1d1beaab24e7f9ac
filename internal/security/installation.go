package security

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	installationFile = "installation.json"
	secretSize       = 32
)

// Installation is the durable identity of this install. The ID is what
// the activation ledger binds a license key to; the Secret seals the
// local credential record so it cannot be copied to another machine
// together with a guessable key.
type Installation struct {
	ID        uuid.UUID `json:"id"`
	Secret    []byte    `json:"secret"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadOrCreateInstallation returns the identity stored under dataDir,
// minting and persisting a fresh one on first run. A corrupt identity
// file is replaced rather than treated as fatal: the cost is that any
// activation sealed under the old secret becomes unreadable and the
// user re-activates.
func LoadOrCreateInstallation(dataDir string, logger *slog.Logger) (*Installation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dataDir, installationFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var inst Installation
		if jsonErr := json.Unmarshal(data, &inst); jsonErr == nil && inst.valid() {
			return &inst, nil
		}
		logger.Warn("installation identity unreadable, minting a new one",
			slog.String("path", path))
	case os.IsNotExist(err):
		// first run
	default:
		return nil, fmt.Errorf("read installation identity: %w", err)
	}

	inst, err := newInstallation()
	if err != nil {
		return nil, err
	}
	encoded, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode installation identity: %w", err)
	}
	if err := WriteFileAtomic(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("persist installation identity: %w", err)
	}
	logger.Info("installation identity created",
		slog.String("installation_id", inst.ID.String()))
	return inst, nil
}

func newInstallation() (*Installation, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate installation secret: %w", err)
	}
	return &Installation{
		ID:        uuid.New(),
		Secret:    secret,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (i *Installation) valid() bool {
	return i.ID != uuid.Nil && len(i.Secret) == secretSize
}

// DeviceHint is a short human-readable label for conflict messages
// ("already active on ..."). It deliberately carries no identifier
// that could locate the machine.
func (i *Installation) DeviceHint() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s (%s/%s)", host, runtime.GOOS, runtime.GOARCH)
}
