package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RawPayload is the opaque result of a single fetch call: one page of
// source data. It exists only within a run; nothing persists it beyond
// the checkpoint fingerprint.
type RawPayload struct {
	SourceID    string
	FetchedAt   time.Time
	Body        []byte
	Fingerprint string
}

// NewRawPayload tags a response body with its source and a content
// fingerprint.
func NewRawPayload(sourceID string, body []byte) *RawPayload {
	return &RawPayload{
		SourceID:    sourceID,
		FetchedAt:   time.Now().UTC(),
		Body:        body,
		Fingerprint: Fingerprint(body),
	}
}

// Fingerprint returns the hex SHA-256 of the payload bytes. Used to
// recognize identical re-fetches and as the checkpoint marker.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
