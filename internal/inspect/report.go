// Package inspect renders what happened to one webhook receipt: the ledger
// entry it claimed, the event it produced, stored attachments and the jobs
// queued along the way.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Report is the structured JSON representation of a receipt lineage.
type Report struct {
	ReceiptID         string       `json:"receipt_id"`
	Provider          string       `json:"provider"`
	TenantID          string       `json:"tenant_id"`
	IntegrationID     string       `json:"integration_id"`
	EventType         string       `json:"event_type"`
	IdempotencyKey    string       `json:"idempotency_key"`
	ReceivedAt        string       `json:"received_at"`
	SignatureVerified bool         `json:"signature_verified"`
	Duplicate         bool         `json:"duplicate"`
	Processed         bool         `json:"processed"`
	RejectedReason    string       `json:"rejected_reason,omitempty"`
	Ledger            *LedgerEntry `json:"ledger,omitempty"`
	Event             *EventInfo   `json:"event,omitempty"`
	Attachments       []string     `json:"attachments,omitempty"`
	Jobs              []JobInfo    `json:"jobs"`
}

// LedgerEntry is the idempotency row the receipt's key resolved to.
type LedgerEntry struct {
	ReceiptID string `json:"receipt_id"`
	Processed bool   `json:"processed"`
	ClaimedAt string `json:"claimed_at"`
}

// EventInfo summarises the normalized event.
type EventInfo struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Status    string `json:"status"`
	AgentID   string `json:"agent_id,omitempty"`
}

// JobInfo is one queued job in the lineage.
type JobInfo struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Attempt   int    `json:"attempt"`
	DedupeKey string `json:"dedupe_key"`
	LastError string `json:"last_error,omitempty"`
}

// BuildReport renders a terminal-friendly lineage report for a receipt.
func BuildReport(ctx context.Context, db *sql.DB, receiptID string) (string, error) {
	report, err := gatherReportData(ctx, db, receiptID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Receipt Report\n")
	fmt.Fprintf(&out, "Receipt ID  : %s\n", report.ReceiptID)
	fmt.Fprintf(&out, "Provider    : %s\n", report.Provider)
	fmt.Fprintf(&out, "Tenant      : %s\n", report.TenantID)
	fmt.Fprintf(&out, "Integration : %s\n", report.IntegrationID)
	fmt.Fprintf(&out, "Event type  : %s\n", renderUnset(report.EventType, "<unknown>"))
	fmt.Fprintf(&out, "Key         : %s\n", renderUnset(report.IdempotencyKey, "<none>"))
	fmt.Fprintf(&out, "Received    : %s\n", report.ReceivedAt)
	fmt.Fprintf(&out, "Verified    : %t\n", report.SignatureVerified)
	fmt.Fprintf(&out, "Duplicate   : %t\n", report.Duplicate)
	fmt.Fprintf(&out, "Processed   : %t\n", report.Processed)
	if report.RejectedReason != "" {
		fmt.Fprintf(&out, "Rejected    : %s\n", report.RejectedReason)
	}
	fmt.Fprintf(&out, "\n")

	if report.Ledger != nil {
		fmt.Fprintf(&out, "ledger      : claimed by %s at %s (processed=%t)\n",
			report.Ledger.ReceiptID, report.Ledger.ClaimedAt, report.Ledger.Processed)
	} else {
		fmt.Fprintf(&out, "ledger      : <none>\n")
	}

	if report.Event != nil {
		fmt.Fprintf(&out, "event       : %s (%s, %s)\n", report.Event.ID, report.Event.Direction, report.Event.Status)
		fmt.Fprintf(&out, "agent       : %s\n", renderUnset(report.Event.AgentID, "<unmatched>"))
	} else {
		fmt.Fprintf(&out, "event       : <none>\n")
	}

	if len(report.Attachments) == 0 {
		fmt.Fprintf(&out, "attachments : <none>\n")
	} else {
		fmt.Fprintf(&out, "attachments :\n")
		for _, a := range report.Attachments {
			fmt.Fprintf(&out, "  - %s\n", a)
		}
	}

	if len(report.Jobs) == 0 {
		fmt.Fprintf(&out, "jobs        : <none>\n")
	} else {
		fmt.Fprintf(&out, "jobs        :\n")
		for _, j := range report.Jobs {
			fmt.Fprintf(&out, "  - %s %s (%s, attempt %d)\n", j.Kind, j.ID, j.Status, j.Attempt)
			if j.LastError != "" {
				fmt.Fprintf(&out, "      last_error: %s\n", j.LastError)
			}
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable lineage report.
func BuildJSONReport(ctx context.Context, db *sql.DB, receiptID string) (string, error) {
	report, err := gatherReportData(ctx, db, receiptID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, receiptID string) (*Report, error) {
	if strings.TrimSpace(receiptID) == "" {
		return nil, fmt.Errorf("receipt_id is required")
	}

	report, err := lookupReceipt(ctx, db, receiptID)
	if err != nil {
		return nil, err
	}

	if report.IdempotencyKey != "" {
		if report.Ledger, err = lookupLedger(ctx, db, report.IdempotencyKey); err != nil {
			return nil, err
		}
	}

	dedupeKeys := []string{"normalize:" + receiptID}
	if report.Event, err = lookupEvent(ctx, db, receiptID); err != nil {
		return nil, err
	}
	if report.Event != nil {
		dedupeKeys = append(dedupeKeys, "fetch:"+report.Event.ID)
		ids, locators, err := lookupAttachments(ctx, db, report.Event.ID)
		if err != nil {
			return nil, err
		}
		report.Attachments = locators
		for _, id := range ids {
			dedupeKeys = append(dedupeKeys, "analyze:"+id)
		}
	}

	report.Jobs = make([]JobInfo, 0, len(dedupeKeys))
	for _, key := range dedupeKeys {
		job, err := lookupJobByDedupeKey(ctx, db, key)
		if err != nil {
			return nil, err
		}
		if job != nil {
			report.Jobs = append(report.Jobs, *job)
		}
	}
	return report, nil
}

func lookupReceipt(ctx context.Context, db *sql.DB, id string) (*Report, error) {
	var (
		r         Report
		rejected  sql.NullString
		verified  int
		duplicate int
		processed int
	)
	row := db.QueryRowContext(ctx, `
SELECT id, provider, tenant_id, integration_id, event_type, idempotency_key, received_at,
  signature_verified, duplicate, processed, rejected_reason
FROM webhook_receipts
WHERE id = ?;
`, id)
	err := row.Scan(&r.ReceiptID, &r.Provider, &r.TenantID, &r.IntegrationID, &r.EventType, &r.IdempotencyKey,
		&r.ReceivedAt, &verified, &duplicate, &processed, &rejected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("receipt %q not found", id)
		}
		return nil, fmt.Errorf("query receipt %q: %w", id, err)
	}
	r.SignatureVerified = verified == 1
	r.Duplicate = duplicate == 1
	r.Processed = processed == 1
	r.RejectedReason = rejected.String
	return &r, nil
}

func lookupLedger(ctx context.Context, db *sql.DB, key string) (*LedgerEntry, error) {
	var (
		e         LedgerEntry
		processed int
	)
	err := db.QueryRowContext(ctx, `
SELECT receipt_id, processed, claimed_at FROM idempotency_keys WHERE key = ?;
`, key).Scan(&e.ReceiptID, &processed, &e.ClaimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Pruned, released, or kept in redis.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger %q: %w", key, err)
	}
	e.Processed = processed == 1
	return &e, nil
}

func lookupEvent(ctx context.Context, db *sql.DB, receiptID string) (*EventInfo, error) {
	var (
		ev      EventInfo
		agentID sql.NullString
	)
	err := db.QueryRowContext(ctx, `
SELECT id, direction, status, agent_id FROM normalized_events WHERE receipt_id = ?;
`, receiptID).Scan(&ev.ID, &ev.Direction, &ev.Status, &agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query event for receipt %q: %w", receiptID, err)
	}
	ev.AgentID = agentID.String
	return &ev, nil
}

func lookupAttachments(ctx context.Context, db *sql.DB, eventID string) ([]string, []string, error) {
	rows, err := db.QueryContext(ctx, `
SELECT id, kind, locator FROM attachments WHERE event_id = ? ORDER BY created_at ASC, rowid ASC;
`, eventID)
	if err != nil {
		return nil, nil, fmt.Errorf("query attachments for event %q: %w", eventID, err)
	}
	defer rows.Close()

	var ids, locators []string
	for rows.Next() {
		var id, kind, locator string
		if err := rows.Scan(&id, &kind, &locator); err != nil {
			return nil, nil, fmt.Errorf("scan attachment: %w", err)
		}
		ids = append(ids, id)
		locators = append(locators, kind+": "+locator)
	}
	return ids, locators, rows.Err()
}

func lookupJobByDedupeKey(ctx context.Context, db *sql.DB, key string) (*JobInfo, error) {
	var (
		info    JobInfo
		lastErr sql.NullString
	)
	row := db.QueryRowContext(ctx, `
SELECT id, kind, status, attempt, dedupe_key, last_error
FROM job_queue
WHERE dedupe_key = ?;
`, key)
	if err := row.Scan(&info.ID, &info.Kind, &info.Status, &info.Attempt, &info.DedupeKey, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query job %q: %w", key, err)
	}
	info.LastError = lastErr.String
	return &info, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
