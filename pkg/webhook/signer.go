package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the canonical, stably-ordered JSON body delivered to customer
// endpoints (spec.md §4.5). Every declared field is present even when
// empty/null so the signature input never changes shape between records.
type Payload struct {
	ID          string         `json:"id"`
	Event       string         `json:"event"`
	Provider    string         `json:"provider"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"contentType"`
	FileSize    int64          `json:"fileSize"`
	Etag        *string        `json:"etag"`
	PublicURL   *string        `json:"publicUrl"`
	Metadata    map[string]any `json:"metadata"`
	Timestamp   int64          `json:"timestamp"`
}

// Extras carries fields the caller supplies on top of the record itself
// (publicUrl and an event-name override; kept as a struct so future extras don't
// change BuildPayload's signature).
type Extras struct {
	PublicURL string
	Event     string
}

// BuildPayload renders r into the canonical wire payload. Field order is
// fixed by the Payload struct's json tags (encoding/json marshals struct
// fields in declaration order), which is what keeps the signature input
// stable across records (spec.md §4.5).
func BuildPayload(r Record, extras Extras, now time.Time) ([]byte, error) {
	event := extras.Event
	if event == "" {
		event = "upload.completed"
	}

	p := Payload{
		ID:          r.ID.String(),
		Event:       event,
		Provider:    r.Provider,
		Filename:    r.Filename,
		ContentType: r.ContentType,
		FileSize:    r.FileSize,
		Metadata:    r.Metadata,
		Timestamp:   now.Unix(),
	}
	if r.Etag != "" {
		p.Etag = &r.Etag
	}
	if extras.PublicURL != "" {
		p.PublicURL = &extras.PublicURL
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling webhook payload: %w", err)
	}
	return body, nil
}

// Sign computes the lowercase hex HMAC-SHA256 of body under secret
// (spec.md §4.5, §6: "receivers verify by recomputing HMAC-SHA256 of the
// raw body with the shared secret").
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyMAC recomputes the signature of body under secret and compares it
// to sig in constant time. Provided for receiver-side testing/parity with
// spec.md §8's round-trip law; the gateway itself only signs.
func VerifyMAC(body, sig, secret []byte) bool {
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), sig)
}
