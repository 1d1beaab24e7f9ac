// Package integration exercises the whole activation loop over real
// HTTP: hub-side managers, each with its own installation identity and
// sealed credential store, against a live ledger surface backed by
// SQLite.
package integration

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"computehub/internal/ledger"
	"computehub/internal/license"
	mw "computehub/internal/middleware"
	"computehub/internal/security"
	"computehub/internal/shared/testutil"
	handlers "computehub/internal/transport/http"
)

type LicenseFlowSuite struct {
	suite.Suite

	ledgerStore *ledger.Store
	ledgerSvc   *ledger.Service
	ledgerSrv   *httptest.Server
	ledgerLogs  *testutil.CaptureHandler
}

func TestLicenseFlowSuite(t *testing.T) {
	suite.Run(t, new(LicenseFlowSuite))
}

func (s *LicenseFlowSuite) SetupTest() {
	logger, captured := testutil.NewCaptureLogger()
	s.ledgerLogs = captured

	store, err := ledger.OpenStore(filepath.Join(s.T().TempDir(), "ledger.db"), logger)
	s.Require().NoError(err)
	s.ledgerStore = store

	s.ledgerSvc = ledger.NewService(store, logger)
	handler := handlers.NewLedgerHandler(s.ledgerSvc, mw.NewValidator(), logger)

	r := chi.NewRouter()
	r.Mount("/v1/licenses", handler.Routes())
	s.ledgerSrv = httptest.NewServer(r)
}

func (s *LicenseFlowSuite) TearDownTest() {
	if s.ledgerSrv != nil {
		s.ledgerSrv.Close()
	}
	s.ledgerStore.Close()
}

func (s *LicenseFlowSuite) mintKey(tier license.Tier) string {
	rec, err := s.ledgerSvc.MintKey(context.Background(), tier, "integration")
	s.Require().NoError(err)
	return rec.Key
}

// newInstallation assembles a full client stack in its own data
// directory, as if on a separate machine.
func (s *LicenseFlowSuite) newInstallation(logger *slog.Logger) (*license.Manager, *security.Installation) {
	dataDir := s.T().TempDir()
	inst, err := security.LoadOrCreateInstallation(dataDir, logger)
	s.Require().NoError(err)

	manager, err := license.NewManager(license.ManagerOptions{
		Store:        license.NewStore(dataDir, inst.Secret),
		Authority:    license.NewLedgerClient(s.ledgerSrv.URL, 5*time.Second, logger),
		Installation: inst,
		MaxStaleness: time.Hour,
		Logger:       logger,
	})
	s.Require().NoError(err)
	s.T().Cleanup(manager.Close)

	return manager, inst
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *LicenseFlowSuite) TestTwoInstallationsContendForOneKey() {
	ctx := context.Background()
	key := s.mintKey(license.TierPro)

	first, firstInst := s.newInstallation(quietLogger())
	second, _ := s.newInstallation(quietLogger())

	view, err := first.Activate(ctx, key)
	s.Require().NoError(err)
	s.True(view.Entitled)
	s.Equal(license.TierPro, view.Tier)

	// The second installation is turned away with the holder's hint.
	_, err = second.Activate(ctx, key)
	var conflict *license.ConflictError
	s.Require().ErrorAs(err, &conflict)
	s.Equal(firstInst.DeviceHint(), conflict.Hint)
	s.False(second.CurrentStatus().Entitled)

	// The holder re-verifies cleanly.
	view, err = first.Refresh(ctx)
	s.Require().NoError(err)
	s.True(view.Entitled)
	s.Equal(license.VerdictVerified, view.LastResult)

	// Releasing the key frees it for the second installation.
	_, err = first.Deactivate(ctx)
	s.Require().NoError(err)
	s.False(first.CurrentStatus().Entitled)

	view, err = second.Activate(ctx, key)
	s.Require().NoError(err)
	s.True(view.Entitled)
}

func (s *LicenseFlowSuite) TestRevocationPropagatesThroughBackgroundRefresh() {
	ctx := context.Background()
	key := s.mintKey(license.TierStandard)

	manager, _ := s.newInstallation(quietLogger())
	_, err := manager.Activate(ctx, key)
	s.Require().NoError(err)

	s.Require().NoError(s.ledgerSvc.RevokeKey(ctx, key))

	manager.StartBackgroundRefresh(context.Background(), 25*time.Millisecond)

	s.Require().Eventually(func() bool {
		return !manager.CurrentStatus().Entitled
	}, 2*time.Second, 10*time.Millisecond, "revocation should drop entitlement")

	view := manager.CurrentStatus()
	s.Equal(license.ReasonNotActivated, view.Reason)
	s.Empty(view.MaskedKey)
}

func (s *LicenseFlowSuite) TestLedgerOutageFallsBackWithinStaleness() {
	ctx := context.Background()
	key := s.mintKey(license.TierEnterprise)

	manager, _ := s.newInstallation(quietLogger())
	_, err := manager.Activate(ctx, key)
	s.Require().NoError(err)

	// Take the ledger down; the recent successful verification keeps
	// the installation entitled.
	s.ledgerSrv.Close()
	s.ledgerSrv = nil

	view, err := manager.Refresh(ctx)
	s.Require().NoError(err)
	s.True(view.Entitled)
	s.True(view.Cached)
	s.Equal(license.VerdictFallbackEntitled, view.LastResult)
}

func (s *LicenseFlowSuite) TestFullKeyNeverReachesLogs() {
	ctx := context.Background()
	key := s.mintKey(license.TierPro)

	hubLogger, hubLogs := testutil.NewCaptureLogger()
	first, _ := s.newInstallation(hubLogger)
	second, _ := s.newInstallation(hubLogger)

	_, err := first.Activate(ctx, key)
	s.Require().NoError(err)
	_, err = second.Activate(ctx, key) // conflict path logs too
	s.Require().Error(err)
	_, err = first.Refresh(ctx)
	s.Require().NoError(err)
	_, err = first.Deactivate(ctx)
	s.Require().NoError(err)

	// Both sides logged activity about this key, always masked.
	masked := license.MaskKey(key)
	s.True(hubLogs.ContainsText(masked), "hub should log the masked key")
	s.True(s.ledgerLogs.ContainsText(masked), "ledger should log the masked key")

	s.False(hubLogs.ContainsText(key), "full key must not reach hub logs")
	s.False(s.ledgerLogs.ContainsText(key), "full key must not reach ledger logs")
}
