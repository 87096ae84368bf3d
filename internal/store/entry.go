package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmcdole/kinotv/internal/domain"
)

// Entry is the on-disk document for one cache key.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Live reports whether the entry may still be served at now.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// EncodeEntry marshals payload and wraps it with its expiry.
func EncodeEntry(payload any, expiresAt time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(Entry{Payload: raw, ExpiresAt: expiresAt})
}

// DecodeEntry unmarshals a stored document.
func DecodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w: %w", domain.ErrParse, err)
	}
	return e, nil
}
