package license

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"computehub/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAuthority is a scriptable in-memory ledger boundary. Tests set
// the answer fields; every call is counted so zero-network assertions
// are possible.
type fakeAuthority struct {
	mu sync.Mutex

	grant   *BindGrant
	bindErr error

	unbindErr error

	state       BindingState
	verifyGrant *BindGrant
	verifyErr   error

	bindCalls   int
	unbindCalls int
	verifyCalls int

	lastBoundKey   string
	lastUnboundKey string
	lastHint       string
}

func (f *fakeAuthority) Bind(_ context.Context, key string, _ uuid.UUID, hint string) (*BindGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindCalls++
	f.lastBoundKey = key
	f.lastHint = hint
	if f.bindErr != nil {
		return nil, f.bindErr
	}
	if f.grant != nil {
		g := *f.grant
		return &g, nil
	}
	return &BindGrant{Tier: TierPro, BoundAt: time.Now().UTC()}, nil
}

func (f *fakeAuthority) Unbind(_ context.Context, key string, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbindCalls++
	f.lastUnboundKey = key
	return f.unbindErr
}

func (f *fakeAuthority) Verify(_ context.Context, _ string, _ uuid.UUID) (BindingState, *BindGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	if f.verifyErr != nil {
		return "", nil, f.verifyErr
	}
	state := f.state
	if state == "" {
		state = BoundToThis
	}
	if f.verifyGrant != nil {
		g := *f.verifyGrant
		return state, &g, nil
	}
	return state, &BindGrant{Tier: TierPro}, nil
}

func (f *fakeAuthority) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindCalls + f.unbindCalls + f.verifyCalls
}

// newTestManager wires a manager over a temp-dir store and the given
// fake ledger.
func newTestManager(t *testing.T, auth Authority, maxStaleness time.Duration) *Manager {
	t.Helper()
	dir := t.TempDir()
	inst, err := security.LoadOrCreateInstallation(dir, testLogger())
	require.NoError(t, err)

	m, err := NewManager(ManagerOptions{
		Store:        NewStore(dir, inst.Secret),
		Authority:    auth,
		Installation: inst,
		MaxStaleness: maxStaleness,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	return m
}
