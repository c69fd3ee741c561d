package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/voundbrand/vc83-com-sub003/internal/llm"
)

// SetLegacyKey stores the org's single pre-profile API key. An empty key
// removes it.
func (v *Vault) SetLegacyKey(ctx context.Context, orgID, apiKey string) error {
	if apiKey == "" {
		_, err := v.db.ExecContext(ctx, `DELETE FROM org_legacy_keys WHERE org_id = ?`, orgID)
		return err
	}
	encrypted, nonce, err := v.seal([]byte(apiKey))
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx, `INSERT INTO org_legacy_keys (org_id, encrypted_key, nonce, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(org_id) DO UPDATE SET encrypted_key = excluded.encrypted_key, nonce = excluded.nonce, updated_at = excluded.updated_at`,
		orgID, encrypted, nonce, v.now())
	if err != nil {
		return fmt.Errorf("storing legacy key: %w", err)
	}
	return nil
}

// LegacyKey returns the org's legacy API key, or "" when none is stored.
// Reads are access-logged like profile reads.
func (v *Vault) LegacyKey(ctx context.Context, orgID, agentID string) (string, error) {
	var encrypted, nonce string
	err := v.db.QueryRowContext(ctx, `SELECT encrypted_key, nonce FROM org_legacy_keys WHERE org_id = ?`, orgID).
		Scan(&encrypted, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading legacy key: %w", err)
	}
	key, err := v.open(encrypted, nonce)
	if err != nil {
		return "", fmt.Errorf("decrypting legacy key: %w", err)
	}
	v.logAccess(ctx, orgID, llm.LegacyProfileID, agentID, true, "")
	return string(key), nil
}
