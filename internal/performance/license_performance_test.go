// Package performance holds load and allocation tests for the hot
// licensing paths: the ledger store under concurrent traffic, and the
// manager's status snapshot, which runs on every gated request.
package performance

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"computehub/internal/ledger"
	"computehub/internal/license"
	"computehub/internal/security"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openBenchStore(tb testing.TB) *ledger.Store {
	tb.Helper()
	store, err := ledger.OpenStore(filepath.Join(tb.TempDir(), "ledger.db"), quietLogger())
	require.NoError(tb, err)
	tb.Cleanup(func() { store.Close() })
	return store
}

func mintBenchKey(tb testing.TB, store *ledger.Store, tier license.Tier) string {
	tb.Helper()
	key, err := ledger.GenerateKey()
	require.NoError(tb, err)
	require.NoError(tb, store.InsertKey(context.Background(), ledger.KeyRecord{
		Key:       key,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}))
	return key
}

// grantAuthority answers every call in-process so manager benchmarks
// measure the manager, not a network stack.
type grantAuthority struct {
	tier license.Tier
}

func (a *grantAuthority) Bind(context.Context, string, uuid.UUID, string) (*license.BindGrant, error) {
	return &license.BindGrant{Tier: a.tier, BoundAt: time.Now().UTC()}, nil
}

func (a *grantAuthority) Unbind(context.Context, string, uuid.UUID) error { return nil }

func (a *grantAuthority) Verify(context.Context, string, uuid.UUID) (license.BindingState, *license.BindGrant, error) {
	return license.BoundToThis, &license.BindGrant{Tier: a.tier}, nil
}

func newBenchManager(tb testing.TB) *license.Manager {
	tb.Helper()
	dataDir := tb.TempDir()

	inst, err := security.LoadOrCreateInstallation(dataDir, quietLogger())
	require.NoError(tb, err)

	manager, err := license.NewManager(license.ManagerOptions{
		Store:        license.NewStore(dataDir, inst.Secret),
		Authority:    &grantAuthority{tier: license.TierPro},
		Installation: inst,
		MaxStaleness: time.Hour,
		Logger:       quietLogger(),
	})
	require.NoError(tb, err)
	tb.Cleanup(manager.Close)
	return manager
}

func BenchmarkStoreVerify(b *testing.B) {
	store := openBenchStore(b)
	key := mintBenchKey(b, store, license.TierPro)
	installation := uuid.NewString()

	ctx := context.Background()
	_, err := store.Bind(ctx, key, installation, "bench", "127.0.0.1", time.Now().UTC())
	require.NoError(b, err)

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := store.Verify(ctx, key, installation, time.Now().UTC()); err != nil {
				b.Fatalf("verify: %v", err)
			}
		}
	})
}

func BenchmarkStoreBind(b *testing.B) {
	store := openBenchStore(b)
	ctx := context.Background()

	keys := make([]string, b.N)
	for i := range keys {
		keys[i] = mintBenchKey(b, store, license.TierStandard)
	}
	installation := uuid.NewString()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := store.Bind(ctx, keys[i], installation, "bench", "127.0.0.1", time.Now().UTC()); err != nil {
			b.Fatalf("bind: %v", err)
		}
	}
}

func BenchmarkManagerCurrentStatus(b *testing.B) {
	manager := newBenchManager(b)
	_, err := manager.Activate(context.Background(), "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD")
	require.NoError(b, err)

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if view := manager.CurrentStatus(); !view.Entitled {
				b.Fatal("activation lost during benchmark")
			}
		}
	})
}

func BenchmarkNormalizeKey(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := license.NormalizeKey("computehub-aaaa-bbbb-cccc-dddd"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMaskKey(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = license.MaskKey("COMPUTEHUB-AAAA-BBBB-CCCC-DDDD")
	}
}

// The snapshot must stay consistent while refreshes rewrite the record
// underneath; run with -race.
func TestCurrentStatusUnderConcurrentRefresh(t *testing.T) {
	manager := newBenchManager(t)
	_, err := manager.Activate(context.Background(), "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				if _, err := manager.Refresh(context.Background()); err != nil {
					t.Errorf("refresh: %v", err)
					return
				}
			}
		}
	}()

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					view := manager.CurrentStatus()
					if !view.Entitled || view.Tier != license.TierPro {
						t.Error("snapshot lost entitlement mid-refresh")
						return
					}
				}
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(done)
	wg.Wait()
}

// SQLite serializes writers; concurrent binds of distinct keys must all
// land without lock errors.
func TestConcurrentDistinctBindsAllSucceed(t *testing.T) {
	store := openBenchStore(t)
	ctx := context.Background()

	const n = 16
	keys := make([]string, n)
	for i := range keys {
		keys[i] = mintBenchKey(t, store, license.TierStandard)
	}

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			outcome, err := store.Bind(ctx, key, uuid.NewString(), "load", "127.0.0.1", time.Now().UTC())
			if err != nil {
				errs <- err
				return
			}
			if outcome.Status != ledger.BindOK {
				errs <- assert.AnError
			}
		}(keys[i])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent bind: %v", err)
	}

	bindings, err := store.ListBindings(ctx)
	require.NoError(t, err)
	assert.Len(t, bindings, n)
}
