package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BindingState is the ledger's answer to a verification query.
type BindingState string

const (
	BoundToThis    BindingState = "bound_to_this"
	BoundElsewhere BindingState = "bound_elsewhere"
	NotBound       BindingState = "not_bound"
)

// BindGrant is what a successful bind returns: the entitlement the key
// carries and when the binding was first established. Re-binding the
// same installation returns the original BoundAt.
type BindGrant struct {
	Tier    Tier
	BoundAt time.Time
}

// Authority is the activation ledger as seen by the client. Every call
// is a single attempt with a bounded deadline; retry policy belongs to
// the caller.
type Authority interface {
	// Bind claims key for installationID. It is idempotent for the
	// holding installation and returns ConflictError when another
	// installation holds the key, ErrKeyNotRecognized for unknown or
	// revoked keys, and ErrLedgerUnreachable on transport failure.
	Bind(ctx context.Context, key string, installationID uuid.UUID, deviceHint string) (*BindGrant, error)

	// Unbind releases key if this installation holds it. Releasing a
	// key that is not bound is not an error.
	Unbind(ctx context.Context, key string, installationID uuid.UUID) error

	// Verify reports the current binding state of key relative to
	// installationID without modifying it.
	Verify(ctx context.Context, key string, installationID uuid.UUID) (BindingState, *BindGrant, error)
}

// LedgerClient talks to the activation ledger over HTTP.
type LedgerClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewLedgerClient builds a client for the ledger at baseURL. timeout
// bounds every remote call end to end.
func NewLedgerClient(baseURL string, timeout time.Duration, logger *slog.Logger) *LedgerClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LedgerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		tracer:  otel.Tracer(TracerName),
	}
}

type bindRequest struct {
	LicenseKey     string `json:"license_key"`
	InstallationID string `json:"installation_id"`
	DeviceHint     string `json:"device_hint,omitempty"`
}

type bindResponse struct {
	Status     string    `json:"status"`
	Tier       Tier      `json:"tier,omitempty"`
	BoundAt    time.Time `json:"bound_at,omitempty"`
	DeviceHint string    `json:"device_hint,omitempty"`
}

type unbindRequest struct {
	LicenseKey     string `json:"license_key"`
	InstallationID string `json:"installation_id"`
}

type verifyResponse struct {
	Result  string    `json:"result"`
	Tier    Tier      `json:"tier,omitempty"`
	BoundAt time.Time `json:"bound_at,omitempty"`
}

// Bind implements Authority.
func (c *LedgerClient) Bind(ctx context.Context, key string, installationID uuid.UUID, deviceHint string) (*BindGrant, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.bind", trace.WithAttributes(
		attribute.String("license.key_masked", MaskKey(key)),
		attribute.String("license.installation_id", installationID.String()),
	))
	defer span.End()

	body := bindRequest{
		LicenseKey:     key,
		InstallationID: installationID.String(),
		DeviceHint:     deviceHint,
	}
	status, data, err := c.post(ctx, "/v1/licenses/bind", body)
	if err != nil {
		span.SetStatus(codes.Error, "transport failure")
		return nil, err
	}

	var resp bindResponse
	switch status {
	case http.StatusOK:
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: malformed bind response", ErrLedgerUnreachable)
		}
		span.SetAttributes(attribute.String("license.tier", string(resp.Tier)))
		return &BindGrant{Tier: resp.Tier, BoundAt: resp.BoundAt.UTC()}, nil
	case http.StatusConflict:
		_ = json.Unmarshal(data, &resp)
		span.SetStatus(codes.Error, "binding conflict")
		return nil, &ConflictError{Hint: resp.DeviceHint}
	case http.StatusNotFound:
		span.SetStatus(codes.Error, "key not recognized")
		return nil, ErrKeyNotRecognized
	default:
		span.SetStatus(codes.Error, fmt.Sprintf("ledger status %d", status))
		return nil, fmt.Errorf("%w: ledger answered %d", ErrLedgerUnreachable, status)
	}
}

// Unbind implements Authority.
func (c *LedgerClient) Unbind(ctx context.Context, key string, installationID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "ledger.unbind", trace.WithAttributes(
		attribute.String("license.key_masked", MaskKey(key)),
	))
	defer span.End()

	body := unbindRequest{LicenseKey: key, InstallationID: installationID.String()}
	status, _, err := c.post(ctx, "/v1/licenses/unbind", body)
	if err != nil {
		span.SetStatus(codes.Error, "transport failure")
		return err
	}
	if status != http.StatusOK {
		span.SetStatus(codes.Error, fmt.Sprintf("ledger status %d", status))
		return fmt.Errorf("%w: ledger answered %d", ErrLedgerUnreachable, status)
	}
	return nil
}

// Verify implements Authority.
func (c *LedgerClient) Verify(ctx context.Context, key string, installationID uuid.UUID) (BindingState, *BindGrant, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.verify", trace.WithAttributes(
		attribute.String("license.key_masked", MaskKey(key)),
	))
	defer span.End()

	q := url.Values{}
	q.Set("license_key", key)
	q.Set("installation_id", installationID.String())
	status, data, err := c.get(ctx, "/v1/licenses/verify", q)
	if err != nil {
		span.SetStatus(codes.Error, "transport failure")
		return "", nil, err
	}
	if status != http.StatusOK {
		span.SetStatus(codes.Error, fmt.Sprintf("ledger status %d", status))
		return "", nil, fmt.Errorf("%w: ledger answered %d", ErrLedgerUnreachable, status)
	}

	var resp verifyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", nil, fmt.Errorf("%w: malformed verify response", ErrLedgerUnreachable)
	}
	state := BindingState(resp.Result)
	switch state {
	case BoundToThis, BoundElsewhere, NotBound:
	default:
		return "", nil, fmt.Errorf("%w: unknown verify result %q", ErrLedgerUnreachable, resp.Result)
	}
	span.SetAttributes(attribute.String("license.binding_state", string(state)))
	return state, &BindGrant{Tier: resp.Tier, BoundAt: resp.BoundAt.UTC()}, nil
}

func (c *LedgerClient) post(ctx context.Context, path string, body any) (int, []byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *LedgerClient) get(ctx context.Context, path string, query url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

// do executes one attempt. Transport failures, timeouts and 5xx all
// collapse into ErrLedgerUnreachable; the verifier decides whether the
// fallback window still covers the gap.
func (c *LedgerClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("ledger request failed",
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()))
		return 0, nil, fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", ErrLedgerUnreachable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, nil, fmt.Errorf("%w: ledger answered %d", ErrLedgerUnreachable, resp.StatusCode)
	}
	return resp.StatusCode, data, nil
}
