// Package secrets keeps model-provider credentials as encrypted auth
// profiles and tracks their health.
//
// API keys are encrypted at rest with AES-256-GCM and stored in SQLite. Each
// profile carries an ACL restricting which agents may use it. Every read of
// a decrypted key, allowed or denied, is written to an access log. Failure
// counts and cooldowns are kept per (org, profile id) in a separate table so
// the legacy and environment keys, which have no stored profile, are tracked
// the same way.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voundbrand/vc83-com-sub003/internal/cryptoutil"
	"github.com/voundbrand/vc83-com-sub003/internal/llm"
	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
)

var (
	// ErrProfileNotFound is returned when a profile id does not exist for the org.
	ErrProfileNotFound = errors.New("auth profile not found")
	// ErrReservedProfileID is returned when storing a profile under a
	// reserved id (legacy, env).
	ErrReservedProfileID = errors.New("reserved auth profile id")
	// ErrInvalidEncryptionKey is returned when the vault encryption key is
	// not exactly 32 bytes (required for AES-256).
	ErrInvalidEncryptionKey = errors.New("invalid encryption key")
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/secrets")

// Vault stores encrypted auth profiles and their health.
type Vault struct {
	db  *sql.DB
	gcm cipher.AEAD
	now func() time.Time
}

// Profile is what callers store. APIKey is plaintext on the way in only.
type Profile struct {
	ID            string
	APIKey        string
	Priority      int
	BillingSource string
	ACL           ACL
}

// ProfileMetadata is the public view of a profile (no key).
type ProfileMetadata struct {
	OrgID         string    `json:"org_id"`
	ID            string    `json:"id"`
	Priority      int       `json:"priority"`
	BillingSource string    `json:"billing_source"`
	ACL           ACL       `json:"acl"`
	FailureCount  int       `json:"failure_count"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AccessRecord is a single key access audit entry.
type AccessRecord struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	ProfileID string    `json:"profile_id"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS auth_profiles (
	org_id TEXT NOT NULL,
	id TEXT NOT NULL,
	encrypted_key TEXT NOT NULL,
	nonce TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	billing_source TEXT NOT NULL,
	acl_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (org_id, id)
);

CREATE TABLE IF NOT EXISTS auth_profile_health (
	org_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	failure_count INTEGER NOT NULL DEFAULT 0,
	cooldown_until_ms INTEGER NOT NULL DEFAULT 0,
	last_failure_at TIMESTAMP,
	PRIMARY KEY (org_id, profile_id)
);

CREATE TABLE IF NOT EXISTS auth_profile_access_log (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	allowed BOOLEAN NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_profile_access_org ON auth_profile_access_log(org_id, timestamp);

CREATE TABLE IF NOT EXISTS org_legacy_keys (
	org_id TEXT PRIMARY KEY,
	encrypted_key TEXT NOT NULL,
	nonce TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// NewVault opens the vault at dbPath. The encryptionKey must be exactly 32
// raw bytes or 64 hex characters (decoded to 32 bytes for AES-256).
func NewVault(dbPath, encryptionKey string) (*Vault, error) {
	keyBytes, err := resolveEncryptionKey(encryptionKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Vault{db: db, gcm: gcm, now: func() time.Time { return time.Now().UTC() }}, nil
}

// resolveEncryptionKey interprets the key as 32 raw bytes or 64 hex characters (→ 32 bytes for AES-256).
func resolveEncryptionKey(key string) ([]byte, error) {
	if len(key) == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("encryption key hex must decode to 32 bytes: %w", ErrInvalidEncryptionKey)
		}
		return decoded, nil
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("encryption key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidEncryptionKey)
}

// SetClock replaces the clock. Tests only.
func (v *Vault) SetClock(now func() time.Time) { v.now = now }

// Close releases the database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Put stores or replaces an org's auth profile. Health is left untouched.
func (v *Vault) Put(ctx context.Context, orgID string, p Profile) error {
	ctx, span := tracer.Start(ctx, "secrets.put",
		trace.WithAttributes(attribute.String("org_id", orgID), attribute.String("profile_id", p.ID)))
	defer span.End()

	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" || p.ID == llm.LegacyProfileID || p.ID == llm.EnvProfileID {
		return fmt.Errorf("profile id %q: %w", p.ID, ErrReservedProfileID)
	}
	if p.BillingSource == "" {
		p.BillingSource = llm.BillingOrg
	}

	encrypted, nonce, err := v.seal([]byte(p.APIKey))
	if err != nil {
		span.RecordError(err)
		return err
	}
	aclJSON, err := json.Marshal(p.ACL)
	if err != nil {
		return fmt.Errorf("marshaling ACL: %w", err)
	}

	_, err = v.db.ExecContext(ctx, `INSERT INTO auth_profiles (org_id, id, encrypted_key, nonce, priority, billing_source, acl_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, id) DO UPDATE SET
			encrypted_key = excluded.encrypted_key,
			nonce = excluded.nonce,
			priority = excluded.priority,
			billing_source = excluded.billing_source,
			acl_json = excluded.acl_json`,
		orgID, p.ID, encrypted, nonce, p.Priority, p.BillingSource, string(aclJSON), v.now())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing auth profile: %w", err)
	}
	return nil
}

// Delete removes a profile and its health row.
func (v *Vault) Delete(ctx context.Context, orgID, id string) error {
	res, err := v.db.ExecContext(ctx, `DELETE FROM auth_profiles WHERE org_id = ? AND id = ?`, orgID, id)
	if err != nil {
		return fmt.Errorf("deleting auth profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProfileNotFound
	}
	_, _ = v.db.ExecContext(ctx, `DELETE FROM auth_profile_health WHERE org_id = ? AND profile_id = ?`, orgID, id)
	return nil
}

// Profiles returns the org's decrypted profiles usable by agentID, with
// health applied. Profiles the ACL denies are skipped and logged.
func (v *Vault) Profiles(ctx context.Context, orgID, agentID string) ([]llm.AuthProfile, error) {
	ctx, span := tracer.Start(ctx, "secrets.profiles",
		trace.WithAttributes(attribute.String("org_id", orgID), attribute.String("agent_id", agentID)))
	defer span.End()

	type row struct {
		id, encrypted, nonce, billing, aclJSON string
		priority                               int
	}
	rows, err := v.db.QueryContext(ctx, `SELECT id, encrypted_key, nonce, priority, billing_source, acl_json
		FROM auth_profiles WHERE org_id = ? ORDER BY priority ASC, id ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying auth profiles: %w", err)
	}
	var found []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.encrypted, &r.nonce, &r.priority, &r.billing, &r.aclJSON); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning auth profile: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	health, err := v.health(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var out []llm.AuthProfile
	for _, r := range found {
		var acl ACL
		if err := json.Unmarshal([]byte(r.aclJSON), &acl); err != nil {
			return nil, fmt.Errorf("unmarshaling ACL for %s: %w", r.id, err)
		}
		if !acl.CheckAccess(agentID) {
			v.logAccess(ctx, orgID, r.id, agentID, false, "ACL denied")
			continue
		}
		key, err := v.open(r.encrypted, r.nonce)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("decrypting auth profile %s: %w", r.id, err)
		}
		v.logAccess(ctx, orgID, r.id, agentID, true, "")
		h := health[r.id]
		out = append(out, llm.AuthProfile{
			ID:            r.id,
			APIKey:        string(key),
			Priority:      r.priority,
			BillingSource: r.billing,
			FailureCount:  h.FailureCount,
			CooldownUntil: h.CooldownUntil,
		})
	}
	return out, nil
}

// List returns profile metadata for an org without keys.
func (v *Vault) List(ctx context.Context, orgID string) ([]ProfileMetadata, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT id, priority, billing_source, acl_json, created_at
		FROM auth_profiles WHERE org_id = ? ORDER BY priority ASC, id ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing auth profiles: %w", err)
	}
	var out []ProfileMetadata
	for rows.Next() {
		m := ProfileMetadata{OrgID: orgID}
		var aclJSON string
		if err := rows.Scan(&m.ID, &m.Priority, &m.BillingSource, &aclJSON, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning auth profile: %w", err)
		}
		_ = json.Unmarshal([]byte(aclJSON), &m.ACL)
		out = append(out, m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	health, err := v.health(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		h := health[out[i].ID]
		out[i].FailureCount = h.FailureCount
		out[i].CooldownUntil = h.CooldownUntil
	}
	return out, nil
}

// Rotate re-encrypts an existing profile key with a fresh nonce.
func (v *Vault) Rotate(ctx context.Context, orgID, id string) error {
	var encrypted, nonce string
	err := v.db.QueryRowContext(ctx, `SELECT encrypted_key, nonce FROM auth_profiles WHERE org_id = ? AND id = ?`, orgID, id).
		Scan(&encrypted, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrProfileNotFound
	}
	if err != nil {
		return fmt.Errorf("querying auth profile: %w", err)
	}
	plaintext, err := v.open(encrypted, nonce)
	if err != nil {
		return fmt.Errorf("decrypting for rotation: %w", err)
	}
	newEnc, newNonce, err := v.seal(plaintext)
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx, `UPDATE auth_profiles SET encrypted_key = ?, nonce = ? WHERE org_id = ? AND id = ?`,
		newEnc, newNonce, orgID, id)
	if err != nil {
		return fmt.Errorf("rotating auth profile: %w", err)
	}
	return nil
}

func (v *Vault) seal(plaintext []byte) (encrypted, nonce string, err error) {
	n := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return "", "", fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := v.gcm.Seal(nil, n, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), base64.StdEncoding.EncodeToString(n), nil
}

func (v *Vault) open(encrypted, nonce string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	return v.gcm.Open(nil, n, ciphertext, nil)
}

// logAccess records key access attempts for audit compliance.
func (v *Vault) logAccess(ctx context.Context, orgID, profileID, agentID string, allowed bool, reason string) {
	_, _ = v.db.ExecContext(ctx, `INSERT INTO auth_profile_access_log (id, org_id, profile_id, agent_id, timestamp, allowed, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), orgID, profileID, agentID, v.now(), allowed, reason)
}

// AuditLog returns an org's access records, newest first. Limit <= 0 means no limit.
func (v *Vault) AuditLog(ctx context.Context, orgID string, limit int) ([]AccessRecord, error) {
	query := `SELECT id, org_id, profile_id, agent_id, timestamp, allowed, reason
		FROM auth_profile_access_log WHERE org_id = ? ORDER BY timestamp DESC, rowid DESC`
	args := []any{orgID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying access log: %w", err)
	}
	defer rows.Close()

	var records []AccessRecord
	for rows.Next() {
		var r AccessRecord
		if err := rows.Scan(&r.ID, &r.OrgID, &r.ProfileID, &r.AgentID, &r.Timestamp, &r.Allowed, &r.Reason); err != nil {
			return nil, fmt.Errorf("scanning access record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
