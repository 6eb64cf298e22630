// Package normalize maps provider payloads onto the canonical event shape and
// writes the owning business records.
//
// Every provider payload is a variant of the sealed Payload union. Adding a
// provider means adding a variant, a decoder and a case in ToEvent; the
// exhaustive switch there panics on a variant it does not know.
package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/switchboard/internal/provider"
)

// ErrUndecodable wraps any failure to parse a provider body.
var ErrUndecodable = errors.New("undecodable payload")

// Ident carries the values an idempotency key is derived from.
type Ident struct {
	NativeID string
	Subtype  string
	// Fallback is set when the payload had no provider-native id and
	// NativeID was generated. Such events are never deduplicated.
	Fallback bool
}

// Payload is the tagged union of provider payloads.
type Payload interface {
	Provider() provider.ID
	Ident() Ident
	// EventType is the provider's own event name, stored on the receipt.
	EventType() string
	sealed()
}

// Decode parses a raw provider body into its Payload variant. now is used
// only for generated fallback identifiers.
func Decode(id provider.ID, body []byte, now time.Time) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch id {
	case provider.Twilio:
		p, err = decodeTwilio(body)
	case provider.Telnyx:
		p, err = decodeTelnyx(body)
	case provider.Vapi:
		p, err = decodeVapi(body, now)
	case provider.Retell:
		p, err = decodeRetell(body)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrUndecodable, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUndecodable, id, err)
	}
	return p, nil
}
