// Package transform converts raw source payloads into normalized
// records ready for loading. Transformation is a pure function of the
// payload and the source mapping: no network, no store access.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pulseboard/ingest/internal/config"
	"github.com/pulseboard/ingest/internal/fetch"
)

// Record is the canonical row shape after transformation: column name
// to typed value, plus the record version used for upsert gating.
type Record struct {
	Columns map[string]any
	Version int64
}

// Reject describes one record dropped during transformation. Rejects
// are counted, not raised, so one bad record never blocks its
// siblings.
type Reject struct {
	Index  int
	Reason string
}

// Result carries the outcome of transforming one payload.
type Result struct {
	Records []*Record
	Rejects []Reject
}

// MalformedPayloadError means the payload as a whole could not be
// decoded. It carries enough context to find the offending fetch.
type MalformedPayloadError struct {
	SourceID    string
	Fingerprint string
	Err         error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload from source %s (fingerprint %.12s): %v",
		e.SourceID, e.Fingerprint, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// Transformer normalizes payloads of one source according to its
// mapping.
type Transformer struct {
	sourceID string
	mapping  config.MappingConfig

	// keyColumns is the natural-key column set for required-field
	// checks.
	keyColumns map[string]bool
}

// NewTransformer builds a Transformer for the given source.
func NewTransformer(source config.SourceConfig) *Transformer {
	keys := make(map[string]bool, len(source.Mapping.NaturalKey))
	for _, k := range source.Mapping.NaturalKey {
		keys[k] = true
	}
	return &Transformer{
		sourceID:   source.ID,
		mapping:    source.Mapping,
		keyColumns: keys,
	}
}

// Transform produces zero or more normalized records from a payload.
// A payload that cannot be decoded at all fails with
// MalformedPayloadError; individual bad records are returned as
// rejects.
func (t *Transformer) Transform(payload *fetch.RawPayload) (*Result, error) {
	objects, err := decodeObjects(payload.Body)
	if err != nil {
		return nil, &MalformedPayloadError{
			SourceID:    payload.SourceID,
			Fingerprint: payload.Fingerprint,
			Err:         err,
		}
	}

	result := &Result{}
	for i, obj := range objects {
		rec, reason := t.transformOne(obj)
		if reason != "" {
			result.Rejects = append(result.Rejects, Reject{Index: i, Reason: reason})
			continue
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

// transformOne maps a single source object to a Record. A non-empty
// reason means the record is rejected.
func (t *Transformer) transformOne(obj map[string]any) (*Record, string) {
	columns := make(map[string]any, len(t.mapping.Fields))
	version := int64(0)
	versionSet := false

	for _, f := range t.mapping.Fields {
		raw, present := lookup(obj, f.Source)

		if !present || raw == nil {
			if t.keyColumns[f.Column] {
				return nil, fmt.Sprintf("missing natural key field %q", f.Source)
			}
			columns[f.Column] = nil
			continue
		}

		val, err := ParseValue(raw, f.Type, t.mapping.TimeFormat)
		if err != nil {
			if t.keyColumns[f.Column] {
				return nil, fmt.Sprintf("natural key field %q: %v", f.Source, err)
			}
			if f.Source == t.mapping.VersionField {
				return nil, fmt.Sprintf("version field %q: %v", f.Source, err)
			}
			return nil, fmt.Sprintf("field %q: %v", f.Source, err)
		}
		columns[f.Column] = val

		if f.Source == t.mapping.VersionField {
			v, err := versionOf(val)
			if err != nil {
				return nil, fmt.Sprintf("version field %q: %v", f.Source, err)
			}
			version = v
			versionSet = true
		}
	}

	if !versionSet {
		return nil, fmt.Sprintf("missing version field %q", t.mapping.VersionField)
	}
	return &Record{Columns: columns, Version: version}, ""
}

// versionOf derives the monotonic record version from the parsed
// version column value.
func versionOf(val any) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case time.Time:
		return v.Unix(), nil
	default:
		return 0, fmt.Errorf("type %T cannot serve as a version", val)
	}
}

// decodeObjects accepts either a JSON array of objects or a single
// object (singleton resources).
func decodeObjects(body []byte) ([]map[string]any, error) {
	var arr []map[string]any
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("payload is neither an object nor an array of objects: %w", err)
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return []map[string]any{obj}, nil
}

// lookup resolves a possibly dotted source path ("map.id") against a
// decoded object.
func lookup(obj map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = obj
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
