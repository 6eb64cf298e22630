// Package idempotency derives delivery keys from provider events and records
// them in a ledger whose uniqueness constraint is the only mutex between
// concurrent deliveries of the same event.
package idempotency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/switchboard/internal/provider"
)

// ErrNotFound is returned by Lookup for an unknown key.
var ErrNotFound = errors.New("idempotency key not found")

// Entry is a ledger row.
type Entry struct {
	Key         string
	ReceiptID   string
	Processed   bool
	ClaimedAt   time.Time
	ProcessedAt *time.Time
}

// Ledger is the durable record of claimed delivery keys.
type Ledger interface {
	// Claim records key for receiptID. It returns false when the key was
	// already claimed, which callers treat as a duplicate delivery.
	Claim(ctx context.Context, key, receiptID string) (bool, error)
	// MarkProcessed flags a claimed key as fully processed.
	MarkProcessed(ctx context.Context, key string) error
	// Release drops an unprocessed claim owned by receiptID so a provider
	// retry after a failure is processed again.
	Release(ctx context.Context, key, receiptID string) error
	Lookup(ctx context.Context, key string) (*Entry, error)
}

// Key builds provider:nativeID:subtype. A status transition on a message is
// a distinct key from the message's creation event.
func Key(p provider.ID, nativeID, subtype string) string {
	return string(p) + ":" + nativeID + ":" + subtype
}

// FallbackID returns a time+random identifier for events that carry no
// provider-native id. Keys built from it never collide, so such events are
// never deduplicated.
func FallbackID(now time.Time) string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return strconv.FormatInt(now.UnixNano(), 10) + "-" + hex.EncodeToString(b)
}

// ContentID derives a stable identifier from a request body, for events
// whose only identity is their content.
func ContentID(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:12])
}
