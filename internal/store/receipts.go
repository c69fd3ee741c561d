package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

const receiptColumns = `id, org_id, session_id, agent_id, channel, contact_id, idempotency_key, status,
	duplicate_count, first_seen_at, last_seen_at, turn_id, deliverable_ref, metadata_json`

// UpsertReceipt inserts r, or on an (org_id, idempotency_key) collision bumps
// the existing row's duplicate counter and last-seen time. It returns the
// stored row and whether r was newly inserted.
func (s *Store) UpsertReceipt(ctx context.Context, r *Receipt) (*Receipt, bool, error) {
	ctx, span := s.span(ctx, "store.upsert_receipt",
		attribute.String("org_id", r.OrgID),
		attribute.String("receipt.id", r.ID))
	defer span.End()

	now := s.now()
	if r.FirstSeenAt.IsZero() {
		r.FirstSeenAt = now
	}
	if r.LastSeenAt.IsZero() {
		r.LastSeenAt = r.FirstSeenAt
	}
	if r.Status == "" {
		r.Status = ReceiptAccepted
	}

	var stored *Receipt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO receipts (`+receiptColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, '', '', ?)
			ON CONFLICT(org_id, idempotency_key) DO UPDATE SET
				duplicate_count = receipts.duplicate_count + 1,
				last_seen_at = excluded.last_seen_at`,
			r.ID, r.OrgID, r.SessionID, r.AgentID, r.Channel, r.ContactID, r.IdempotencyKey, string(r.Status),
			r.FirstSeenAt.UTC(), r.LastSeenAt.UTC(), marshalJSON(r.Metadata, "{}"))
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE org_id = ? AND idempotency_key = ?`,
			r.OrgID, r.IdempotencyKey)
		stored, err = scanReceipt(row)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("upserting receipt: %w", err)
	}
	return stored, stored.ID == r.ID, nil
}

// GetReceipt loads a receipt by id.
func (s *Store) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	r, err := scanReceipt(row)
	if err != nil {
		return nil, fmt.Errorf("getting receipt %s: %w", id, err)
	}
	return r, nil
}

// SetReceiptStatus moves a receipt to status unless it is already terminal.
func (s *Store) SetReceiptStatus(ctx context.Context, id string, status ReceiptStatus) error {
	_, err := s.exec(ctx, `UPDATE receipts SET status = ?, last_seen_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed')`, string(status), s.now(), id)
	if err != nil {
		return fmt.Errorf("updating receipt status: %w", err)
	}
	return nil
}

// AttachReceiptTurn records the turn spawned by a receipt.
func (s *Store) AttachReceiptTurn(ctx context.Context, id, turnID string) error {
	_, err := s.exec(ctx, `UPDATE receipts SET turn_id = ? WHERE id = ?`, turnID, id)
	if err != nil {
		return fmt.Errorf("attaching turn to receipt: %w", err)
	}
	return nil
}

// FinalizeReceipt sets the terminal status and deliverable pointer.
func (s *Store) FinalizeReceipt(ctx context.Context, id string, status ReceiptStatus, deliverableRef string) error {
	res, err := s.exec(ctx, `UPDATE receipts SET status = ?, deliverable_ref = ?, last_seen_at = ? WHERE id = ?`,
		string(status), deliverableRef, s.now(), id)
	if err != nil {
		return fmt.Errorf("finalizing receipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalizing receipt %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinalizeReceiptsForTurn fails every non-terminal receipt pointing at turnID.
// Used when a stale turn is recovered on behalf of a crashed worker.
func (s *Store) FinalizeReceiptsForTurn(ctx context.Context, turnID string, status ReceiptStatus, deliverableRef string) error {
	_, err := s.exec(ctx, `UPDATE receipts SET status = ?, deliverable_ref = ?, last_seen_at = ?
		WHERE turn_id = ? AND status IN ('accepted', 'processing')`,
		string(status), deliverableRef, s.now(), turnID)
	if err != nil {
		return fmt.Errorf("finalizing receipts for turn: %w", err)
	}
	return nil
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var r Receipt
	var status, metaJSON string
	err := row.Scan(&r.ID, &r.OrgID, &r.SessionID, &r.AgentID, &r.Channel, &r.ContactID, &r.IdempotencyKey,
		&status, &r.DuplicateCount, &r.FirstSeenAt, &r.LastSeenAt, &r.TurnID, &r.DeliverableRef, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = ReceiptStatus(status)
	if metaJSON != "" && metaJSON != "{}" {
		_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
	}
	return &r, nil
}
