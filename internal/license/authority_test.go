package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerClientBind(t *testing.T) {
	installID := uuid.New()
	boundAt := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/licenses/bind", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req bindRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, testKey, req.LicenseKey)
		assert.Equal(t, installID.String(), req.InstallationID)
		assert.Equal(t, "laptop (linux/amd64)", req.DeviceHint)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(bindResponse{Status: "ok", Tier: TierPro, BoundAt: boundAt})
	}))
	defer srv.Close()

	client := NewLedgerClient(srv.URL, time.Second, testLogger())
	grant, err := client.Bind(context.Background(), testKey, installID, "laptop (linux/amd64)")

	require.NoError(t, err)
	assert.Equal(t, TierPro, grant.Tier)
	assert.Equal(t, boundAt, grant.BoundAt)
}

func TestLedgerClientBindConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(bindResponse{Status: "conflict", DeviceHint: "desk-pc (windows/amd64)"})
	}))
	defer srv.Close()

	client := NewLedgerClient(srv.URL, time.Second, testLogger())
	_, err := client.Bind(context.Background(), testKey, uuid.New(), "")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyBoundElsewhere)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "desk-pc (windows/amd64)", conflict.Hint)
}

func TestLedgerClientBindUnknownKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewLedgerClient(srv.URL, time.Second, testLogger())
	_, err := client.Bind(context.Background(), testKey, uuid.New(), "")

	assert.ErrorIs(t, err, ErrKeyNotRecognized)
}

func TestLedgerClientBindServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewLedgerClient(srv.URL, time.Second, testLogger())
	_, err := client.Bind(context.Background(), testKey, uuid.New(), "")

	assert.ErrorIs(t, err, ErrLedgerUnreachable)
}

func TestLedgerClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	client := NewLedgerClient(srv.URL, time.Second, testLogger())

	_, err := client.Bind(context.Background(), testKey, uuid.New(), "")
	assert.ErrorIs(t, err, ErrLedgerUnreachable)

	err = client.Unbind(context.Background(), testKey, uuid.New())
	assert.ErrorIs(t, err, ErrLedgerUnreachable)

	_, _, err = client.Verify(context.Background(), testKey, uuid.New())
	assert.ErrorIs(t, err, ErrLedgerUnreachable)
}

func TestLedgerClientUnbind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/licenses/unbind", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	client := NewLedgerClient(srv.URL, time.Second, testLogger())
	assert.NoError(t, client.Unbind(context.Background(), testKey, uuid.New()))
}

func TestLedgerClientVerify(t *testing.T) {
	tests := []struct {
		status string
		want   BindingState
	}{
		{"bound_to_this", BoundToThis},
		{"bound_elsewhere", BoundElsewhere},
		{"not_bound", NotBound},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			installID := uuid.New()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodGet, r.Method)
				require.Equal(t, "/v1/licenses/verify", r.URL.Path)
				assert.Equal(t, testKey, r.URL.Query().Get("license_key"))
				assert.Equal(t, installID.String(), r.URL.Query().Get("installation_id"))

				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(verifyResponse{Result: tt.status, Tier: TierPro})
			}))
			defer srv.Close()

			client := NewLedgerClient(srv.URL, time.Second, testLogger())
			state, grant, err := client.Verify(context.Background(), testKey, installID)

			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
			assert.Equal(t, TierPro, grant.Tier)
		})
	}
}

func TestLedgerClientVerifyUnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"result": "perhaps"})
	}))
	defer srv.Close()

	client := NewLedgerClient(srv.URL, time.Second, testLogger())
	_, _, err := client.Verify(context.Background(), testKey, uuid.New())

	assert.ErrorIs(t, err, ErrLedgerUnreachable)
}
