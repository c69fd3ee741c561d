package evidence

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ExportRecord is a flat view of one record for audit exports.
type ExportRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	OrgID         string    `json:"org_id"`
	AgentID       string    `json:"agent_id"`
	SessionID     string    `json:"session_id"`
	TurnID        string    `json:"turn_id"`
	Outcome       string    `json:"outcome"`
	ErrorClass    string    `json:"error_class,omitempty"`
	ModelUsed     string    `json:"model_used"`
	BillingSource string    `json:"billing_source,omitempty"`
	Attempts      int       `json:"attempts"`
	Tokens        int       `json:"tokens"`
	DurationMS    int64     `json:"duration_ms"`
	ToolsCalled   []string  `json:"tools_called,omitempty"`
	Escalation    string    `json:"escalation,omitempty"`
	Delivery      string    `json:"delivery"`
	InputHash     string    `json:"input_hash,omitempty"`
	OutputHash    string    `json:"output_hash,omitempty"`
}

// ToExportRecord builds an ExportRecord from a full Evidence.
func ToExportRecord(e *Evidence) ExportRecord {
	rec := ExportRecord{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		OrgID:         e.OrgID,
		AgentID:       e.AgentID,
		SessionID:     e.SessionID,
		TurnID:        e.TurnID,
		Outcome:       e.Outcome,
		ErrorClass:    e.ErrorClass,
		ModelUsed:     e.Routing.ModelUsed,
		BillingSource: e.Routing.BillingSource,
		Attempts:      len(e.Routing.Attempts),
		Tokens:        e.Execution.Tokens.Input + e.Execution.Tokens.Output,
		DurationMS:    e.Execution.DurationMS,
		Delivery:      e.Delivery.Status,
		InputHash:     e.AuditTrail.InputHash,
		OutputHash:    e.AuditTrail.OutputHash,
	}
	for _, tc := range e.ToolCalls {
		rec.ToolsCalled = append(rec.ToolsCalled, tc.Name)
	}
	if e.Escalation != nil {
		rec.Escalation = e.Escalation.TriggerType
	}
	return rec
}

// ToolsCalledCSV returns comma-separated tool names for CSV export.
func (r *ExportRecord) ToolsCalledCSV() string {
	return strings.Join(r.ToolsCalled, ",")
}

var csvHeader = []string{
	"id", "timestamp", "org_id", "agent_id", "session_id", "turn_id", "outcome", "error_class",
	"model_used", "billing_source", "attempts", "tokens", "duration_ms", "tools_called",
	"escalation", "delivery", "input_hash", "output_hash",
}

// WriteCSV writes records as CSV with a header row.
func WriteCSV(w io.Writer, records []Evidence) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for i := range records {
		r := ToExportRecord(&records[i])
		row := []string{
			r.ID, r.Timestamp.Format(time.RFC3339), r.OrgID, r.AgentID, r.SessionID, r.TurnID,
			r.Outcome, r.ErrorClass, r.ModelUsed, r.BillingSource,
			strconv.Itoa(r.Attempts), strconv.Itoa(r.Tokens), strconv.FormatInt(r.DurationMS, 10),
			r.ToolsCalledCSV(), r.Escalation, r.Delivery, r.InputHash, r.OutputHash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes records as an indented JSON array of ExportRecord.
func WriteJSON(w io.Writer, records []Evidence) error {
	out := make([]ExportRecord, 0, len(records))
	for i := range records {
		out = append(out, ToExportRecord(&records[i]))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	return nil
}
