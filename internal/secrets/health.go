package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voundbrand/vc83-com-sub003/internal/llm"
)

type healthState struct {
	FailureCount  int
	CooldownUntil time.Time
}

func (v *Vault) health(ctx context.Context, orgID string) (map[string]healthState, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT profile_id, failure_count, cooldown_until_ms FROM auth_profile_health WHERE org_id = ?`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying profile health: %w", err)
	}
	defer rows.Close()

	out := make(map[string]healthState)
	for rows.Next() {
		var id string
		var h healthState
		var ms int64
		if err := rows.Scan(&id, &h.FailureCount, &ms); err != nil {
			return nil, fmt.Errorf("scanning profile health: %w", err)
		}
		if ms > 0 {
			h.CooldownUntil = time.UnixMilli(ms).UTC()
		}
		out[id] = h
	}
	return out, rows.Err()
}

// Cooldowns returns the cooldown deadline of every tracked profile of the
// org, including the legacy and environment keys.
func (v *Vault) Cooldowns(ctx context.Context, orgID string) (map[string]time.Time, error) {
	h, err := v.health(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(h))
	for id, s := range h {
		if !s.CooldownUntil.IsZero() {
			out[id] = s.CooldownUntil
		}
	}
	return out, nil
}

// RecordFailure increments the profile's failure count and starts a cooldown
// sized by the failures recorded before this one.
func (v *Vault) RecordFailure(ctx context.Context, orgID, profileID string, now time.Time) (int, time.Time, error) {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("beginning health tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prior int
	err = tx.QueryRowContext(ctx, `SELECT failure_count FROM auth_profile_health WHERE org_id = ? AND profile_id = ?`, orgID, profileID).
		Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, fmt.Errorf("reading profile health: %w", err)
	}

	until := now.Add(llm.CooldownFor(prior)).UTC()
	_, err = tx.ExecContext(ctx, `INSERT INTO auth_profile_health (org_id, profile_id, failure_count, cooldown_until_ms, last_failure_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(org_id, profile_id) DO UPDATE SET
			failure_count = excluded.failure_count,
			cooldown_until_ms = excluded.cooldown_until_ms,
			last_failure_at = excluded.last_failure_at`,
		orgID, profileID, prior+1, until.UnixMilli(), now.UTC())
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("recording profile failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, fmt.Errorf("committing profile failure: %w", err)
	}

	log.Warn().Str("org_id", orgID).Str("profile_id", profileID).Int("failures", prior+1).
		Time("cooldown_until", until).Msg("auth_profile_cooldown")
	return prior + 1, until, nil
}

// RecordSuccess clears the profile's failure count and cooldown.
func (v *Vault) RecordSuccess(ctx context.Context, orgID, profileID string) error {
	_, err := v.db.ExecContext(ctx, `UPDATE auth_profile_health SET failure_count = 0, cooldown_until_ms = 0
		WHERE org_id = ? AND profile_id = ?`, orgID, profileID)
	if err != nil {
		return fmt.Errorf("recording profile success: %w", err)
	}
	return nil
}

// ForOrg adapts the vault to the failover executor's health interface.
func (v *Vault) ForOrg(orgID string) llm.ProfileHealth {
	return orgHealth{v: v, orgID: orgID}
}

type orgHealth struct {
	v     *Vault
	orgID string
}

func (h orgHealth) RecordFailure(ctx context.Context, profileID string, now time.Time) (int, time.Time, error) {
	return h.v.RecordFailure(ctx, h.orgID, profileID, now)
}

func (h orgHealth) RecordSuccess(ctx context.Context, profileID string) error {
	return h.v.RecordSuccess(ctx, h.orgID, profileID)
}
