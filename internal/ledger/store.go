// Package ledger implements the vendor-side license authority: a
// SQLite-backed registry of minted keys, their single active binding,
// and an append-only audit trail of activation events.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"computehub/internal/license"
)

var (
	// ErrKeyExists reports an attempt to mint a key that is already
	// in the registry.
	ErrKeyExists = errors.New("ledger: license key already minted")

	// ErrKeyUnknown reports an operation against a key that was never
	// minted.
	ErrKeyUnknown = errors.New("ledger: license key not recognized")
)

// Store wraps the ledger database. SQLite works best with a single
// writer, so the pool is pinned to one connection; every transaction
// below is serialized by construction.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the ledger database at path and
// applies pending migrations.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000&_temp_store=MEMORY&_foreign_keys=ON", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger database: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "ledger-store")),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// KeyRecord is one minted license key.
type KeyRecord struct {
	Key       string       `json:"license_key"`
	Tier      license.Tier `json:"tier"`
	Note      string       `json:"note,omitempty"`
	Revoked   bool         `json:"revoked"`
	CreatedAt time.Time    `json:"created_at"`
}

// Binding is the single active installation holding a key.
type Binding struct {
	LicenseKey     string    `json:"license_key"`
	InstallationID string    `json:"installation_id"`
	DeviceHint     string    `json:"device_hint,omitempty"`
	BoundAt        time.Time `json:"bound_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Event is one row of the append-only audit trail.
type Event struct {
	ID             int64     `json:"id"`
	OccurredAt     time.Time `json:"occurred_at"`
	Event          string    `json:"event"`
	LicenseKey     string    `json:"license_key"`
	InstallationID string    `json:"installation_id,omitempty"`
	DeviceHint     string    `json:"device_hint,omitempty"`
	ClientIP       string    `json:"client_ip,omitempty"`
}

// Audit event kinds.
const (
	EventMint     = "mint"
	EventRevoke   = "revoke"
	EventBind     = "bind"
	EventRebind   = "rebind"
	EventConflict = "conflict"
	EventUnbind   = "unbind"
)

// InsertKey mints a key. The key must already be in canonical form.
func (s *Store) InsertKey(ctx context.Context, rec KeyRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO license_keys (key, tier, note, revoked, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, rec.Key, string(rec.Tier), rec.Note, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert license key: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if inserted == 0 {
		return ErrKeyExists
	}

	if err := appendEventTx(ctx, tx, Event{
		OccurredAt: rec.CreatedAt,
		Event:      EventMint,
		LicenseKey: rec.Key,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// GetKey retrieves one minted key.
func (s *Store) GetKey(ctx context.Context, key string) (*KeyRecord, error) {
	rec := &KeyRecord{}
	var tier string
	err := s.db.QueryRowContext(ctx, `
		SELECT key, tier, note, revoked, created_at
		FROM license_keys
		WHERE key = ?
	`, key).Scan(&rec.Key, &tier, &rec.Note, &rec.Revoked, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license key: %w", err)
	}
	rec.Tier = license.Tier(tier)
	return rec, nil
}

// RevokeKey marks a key revoked. The binding row, if any, is kept for
// the audit trail; verification treats revoked keys as not bound.
func (s *Store) RevokeKey(ctx context.Context, key string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE license_keys SET revoked = 1 WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to revoke license key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrKeyUnknown
	}

	if err := appendEventTx(ctx, tx, Event{
		OccurredAt: now,
		Event:      EventRevoke,
		LicenseKey: key,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// ListKeys returns all minted keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, tier, note, revoked, created_at
		FROM license_keys
		ORDER BY created_at DESC, key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list license keys: %w", err)
	}
	defer rows.Close()

	var keys []KeyRecord
	for rows.Next() {
		var rec KeyRecord
		var tier string
		if err := rows.Scan(&rec.Key, &tier, &rec.Note, &rec.Revoked, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan license key: %w", err)
		}
		rec.Tier = license.Tier(tier)
		keys = append(keys, rec)
	}
	return keys, rows.Err()
}

// BindStatus classifies a bind attempt.
type BindStatus string

const (
	BindOK       BindStatus = "ok"
	BindConflict BindStatus = "conflict"
	BindInvalid  BindStatus = "invalid"
)

// BindOutcome is the result of a bind attempt. BoundAt is the
// authoritative binding time: the original one on idempotent rebinds.
type BindOutcome struct {
	Status     BindStatus
	Tier       license.Tier
	BoundAt    time.Time
	HolderHint string

	// event is the audit kind recorded for this attempt; the service
	// forwards it to the optional Sheets mirror.
	event string
}

// Bind attempts to bind key to installationID. The PRIMARY KEY on
// activations(license_key) makes the first writer win; a rebind by the
// holder is idempotent and keeps the original bound_at.
func (s *Store) Bind(ctx context.Context, key, installationID, deviceHint, clientIP string, now time.Time) (*BindOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var tier string
	var revoked bool
	err = tx.QueryRowContext(ctx, `SELECT tier, revoked FROM license_keys WHERE key = ?`, key).Scan(&tier, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return &BindOutcome{Status: BindInvalid}, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up license key: %w", err)
	}
	if revoked {
		return &BindOutcome{Status: BindInvalid}, tx.Commit()
	}

	var holder Binding
	err = tx.QueryRowContext(ctx, `
		SELECT installation_id, device_hint, bound_at
		FROM activations
		WHERE license_key = ?
	`, key).Scan(&holder.InstallationID, &holder.DeviceHint, &holder.BoundAt)

	outcome := &BindOutcome{Tier: license.Tier(tier)}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO activations (license_key, installation_id, device_hint, bound_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?)
		`, key, installationID, deviceHint, now, now); err != nil {
			return nil, fmt.Errorf("failed to insert binding: %w", err)
		}
		outcome.Status = BindOK
		outcome.BoundAt = now
		outcome.event = EventBind
		if err := appendEventTx(ctx, tx, Event{
			OccurredAt: now, Event: EventBind, LicenseKey: key,
			InstallationID: installationID, DeviceHint: deviceHint, ClientIP: clientIP,
		}); err != nil {
			return nil, err
		}

	case err != nil:
		return nil, fmt.Errorf("failed to look up binding: %w", err)

	case holder.InstallationID == installationID:
		if _, err := tx.ExecContext(ctx, `
			UPDATE activations SET device_hint = ?, last_seen_at = ? WHERE license_key = ?
		`, deviceHint, now, key); err != nil {
			return nil, fmt.Errorf("failed to refresh binding: %w", err)
		}
		outcome.Status = BindOK
		outcome.BoundAt = holder.BoundAt
		outcome.event = EventRebind
		if err := appendEventTx(ctx, tx, Event{
			OccurredAt: now, Event: EventRebind, LicenseKey: key,
			InstallationID: installationID, DeviceHint: deviceHint, ClientIP: clientIP,
		}); err != nil {
			return nil, err
		}

	default:
		outcome.Status = BindConflict
		outcome.HolderHint = holder.DeviceHint
		outcome.event = EventConflict
		if err := appendEventTx(ctx, tx, Event{
			OccurredAt: now, Event: EventConflict, LicenseKey: key,
			InstallationID: installationID, DeviceHint: deviceHint, ClientIP: clientIP,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bind: %w", err)
	}
	return outcome, nil
}

// Unbind releases key if (and only if) installationID holds it.
// Returns true when a binding was actually removed; unbinding a key
// that is not bound to the caller is a no-op, not an error.
func (s *Store) Unbind(ctx context.Context, key, installationID, clientIP string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM activations WHERE license_key = ? AND installation_id = ?
	`, key, installationID)
	if err != nil {
		return false, fmt.Errorf("failed to delete binding: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected > 0 {
		if err := appendEventTx(ctx, tx, Event{
			OccurredAt: now, Event: EventUnbind, LicenseKey: key,
			InstallationID: installationID, ClientIP: clientIP,
		}); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit unbind: %w", err)
	}
	return affected > 0, nil
}

// VerifyResult mirrors the wire values of the verify endpoint.
type VerifyResult string

const (
	VerifyBoundToThis    VerifyResult = "bound_to_this"
	VerifyBoundElsewhere VerifyResult = "bound_elsewhere"
	VerifyNotBound       VerifyResult = "not_bound"
)

// Verify reports where key is bound. Revoked and unknown keys are
// reported not bound so holders drop their records on the next
// refresh. A confirmed holder's last_seen_at is advanced.
func (s *Store) Verify(ctx context.Context, key, installationID string, now time.Time) (VerifyResult, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT revoked FROM license_keys WHERE key = ?`, key).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return VerifyNotBound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up license key: %w", err)
	}
	if revoked {
		return VerifyNotBound, nil
	}

	var holderID string
	err = s.db.QueryRowContext(ctx, `
		SELECT installation_id FROM activations WHERE license_key = ?
	`, key).Scan(&holderID)
	if errors.Is(err, sql.ErrNoRows) {
		return VerifyNotBound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up binding: %w", err)
	}

	if holderID != installationID {
		return VerifyBoundElsewhere, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE activations SET last_seen_at = ? WHERE license_key = ?
	`, now, key); err != nil {
		return "", fmt.Errorf("failed to update last seen: %w", err)
	}
	return VerifyBoundToThis, nil
}

// GetBinding returns the active binding for key, or nil when unbound.
func (s *Store) GetBinding(ctx context.Context, key string) (*Binding, error) {
	b := &Binding{}
	err := s.db.QueryRowContext(ctx, `
		SELECT license_key, installation_id, device_hint, bound_at, last_seen_at
		FROM activations
		WHERE license_key = ?
	`, key).Scan(&b.LicenseKey, &b.InstallationID, &b.DeviceHint, &b.BoundAt, &b.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	return b, nil
}

// ListBindings returns all active bindings, newest first.
func (s *Store) ListBindings(ctx context.Context) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT license_key, installation_id, device_hint, bound_at, last_seen_at
		FROM activations
		ORDER BY bound_at DESC, license_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.LicenseKey, &b.InstallationID, &b.DeviceHint, &b.BoundAt, &b.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// ListEvents returns up to limit audit events, newest first.
// limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	query := `
		SELECT id, occurred_at, event, license_key,
		       COALESCE(installation_id, ''), COALESCE(device_hint, ''), COALESCE(client_ip, '')
		FROM activation_events
		ORDER BY id DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.OccurredAt, &ev.Event, &ev.LicenseKey,
			&ev.InstallationID, &ev.DeviceHint, &ev.ClientIP); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev Event) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO activation_events (occurred_at, event, license_key, installation_id, device_hint, client_ip)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.OccurredAt, ev.Event, ev.LicenseKey, ev.InstallationID, ev.DeviceHint, ev.ClientIP); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}
