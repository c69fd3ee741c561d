// Package receipt is the idempotency front door: every inbound event is
// recorded once per (org, idempotency key) before any turn work starts.
package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tkotel "github.com/voundbrand/vc83-com-sub003/internal/otel"
	"github.com/voundbrand/vc83-com-sub003/internal/store"
)

var tracer = tkotel.Tracer("github.com/voundbrand/vc83-com-sub003/internal/receipt")

// ErrMissingOrg is returned when an event has no organization id.
var ErrMissingOrg = errors.New("organization id is required")

// StatusDuplicateAcknowledged is reported to callers for repeated events.
const StatusDuplicateAcknowledged = "duplicate_acknowledged"

// Metadata keys consulted for provider-supplied ids, in priority order.
var providerKeyFields = []string{"messageId", "eventId", "deliveryId", "providerMessageId"}

// ClientNonceField lets a client disambiguate identical messages sent within
// the same second when no provider id exists.
const ClientNonceField = "clientNonce"

const normalizedPrefixRunes = 160

// Store is the persistence the ingestor needs.
type Store interface {
	UpsertReceipt(ctx context.Context, r *store.Receipt) (*store.Receipt, bool, error)
	SetReceiptStatus(ctx context.Context, id string, status store.ReceiptStatus) error
	AttachReceiptTurn(ctx context.Context, id, turnID string) error
	FinalizeReceipt(ctx context.Context, id string, status store.ReceiptStatus, deliverableRef string) error
}

// Request is one inbound event as seen by the ingestor.
type Request struct {
	OrgID          string
	SessionID      string
	AgentID        string
	Channel        string
	ContactID      string
	IdempotencyKey string
	Message        string
	Metadata       map[string]string
	ReceivedAt     time.Time
}

// Result tells the caller whether to process the event.
type Result struct {
	ReceiptID      string `json:"receipt_id"`
	Duplicate      bool   `json:"duplicate"`
	Status         string `json:"status"`
	TurnID         string `json:"turn_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	DuplicateCount int    `json:"duplicate_count,omitempty"`
}

// Ingestor records receipts.
type Ingestor struct {
	store Store
	now   func() time.Time
}

// NewIngestor creates an ingestor over st.
func NewIngestor(st Store) *Ingestor {
	return &Ingestor{store: st, now: time.Now}
}

// Ingest records the event. The first arrival is stored as accepted; repeats
// bump the duplicate counter and return the original receipt with
// Duplicate=true. Nothing else is written.
func (i *Ingestor) Ingest(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "receipt.ingest",
		trace.WithAttributes(
			attribute.String("org_id", req.OrgID),
			attribute.String("session_id", req.SessionID),
			attribute.String("channel", req.Channel),
		))
	defer span.End()

	if strings.TrimSpace(req.OrgID) == "" {
		return nil, ErrMissingOrg
	}
	at := req.ReceivedAt
	if at.IsZero() {
		at = i.now()
	}
	key := DeriveKey(req.OrgID, req.Channel, req.ContactID, req.IdempotencyKey, req.Message, req.Metadata, at)

	stored, inserted, err := i.store.UpsertReceipt(ctx, &store.Receipt{
		ID:             "rcpt_" + uuid.New().String(),
		OrgID:          req.OrgID,
		SessionID:      req.SessionID,
		AgentID:        req.AgentID,
		Channel:        req.Channel,
		ContactID:      req.ContactID,
		IdempotencyKey: key,
		Status:         store.ReceiptAccepted,
		FirstSeenAt:    at.UTC(),
		LastSeenAt:     at.UTC(),
		Metadata:       req.Metadata,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("recording receipt: %w", err)
	}

	res := &Result{
		ReceiptID:      stored.ID,
		Duplicate:      !inserted,
		Status:         string(stored.Status),
		TurnID:         stored.TurnID,
		IdempotencyKey: key,
		DuplicateCount: stored.DuplicateCount,
	}
	if !inserted {
		res.Status = StatusDuplicateAcknowledged
		log.Info().
			Str("org_id", req.OrgID).
			Str("receipt_id", stored.ID).
			Str("turn_id", stored.TurnID).
			Int("duplicate_count", stored.DuplicateCount).
			Msg("receipt_duplicate")
	}
	span.SetAttributes(attribute.Bool("receipt.duplicate", res.Duplicate))
	return res, nil
}

// AttachTurn links the receipt to the turn it spawned.
func (i *Ingestor) AttachTurn(ctx context.Context, receiptID, turnID string) error {
	return i.store.AttachReceiptTurn(ctx, receiptID, turnID)
}

// MarkProcessing moves the receipt to processing.
func (i *Ingestor) MarkProcessing(ctx context.Context, receiptID string) error {
	return i.store.SetReceiptStatus(ctx, receiptID, store.ReceiptProcessing)
}

// Finalize sets the terminal status and deliverable pointer.
func (i *Ingestor) Finalize(ctx context.Context, receiptID string, status store.ReceiptStatus, deliverableRef string) error {
	return i.store.FinalizeReceipt(ctx, receiptID, status, deliverableRef)
}

// DeriveKey resolves the idempotency key: an explicit key (trimmed), else a
// provider id from metadata, else a hash of the org, channel, contact, unix
// second and normalized message prefix. Two identical messages from the same
// contact within one second collapse unless metadata carries a clientNonce.
func DeriveKey(orgID, channel, contactID, explicit, message string, metadata map[string]string, at time.Time) string {
	if k := strings.TrimSpace(explicit); k != "" {
		return k
	}
	for _, field := range providerKeyFields {
		if v := strings.TrimSpace(metadata[field]); v != "" {
			return fmt.Sprintf("provider:%s:%s:%s:%s", orgID, channel, contactID, v)
		}
	}

	material := strings.Join([]string{
		orgID, channel, contactID,
		strconv.FormatInt(at.Unix(), 10),
		NormalizePrefix(message),
	}, ":")
	if nonce := strings.TrimSpace(metadata[ClientNonceField]); nonce != "" {
		material += ":" + nonce
	}
	sum := sha256.Sum256([]byte(material))
	return "content:" + hex.EncodeToString(sum[:])[:24]
}

// NormalizePrefix lowercases, collapses whitespace and keeps the first 160 runes.
func NormalizePrefix(message string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(message)), " ")
	runes := []rune(normalized)
	if len(runes) > normalizedPrefixRunes {
		runes = runes[:normalizedPrefixRunes]
	}
	return string(runes)
}
