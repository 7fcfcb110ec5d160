package transform

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// ParseValue converts a decoded JSON value into the typed Go value for
// a column. Formats are explicit per source: timestamps use the
// configured reference layout, numbers accept JSON numbers or plain
// decimal strings. No locale-dependent inference.
func ParseValue(raw any, columnType, timeFormat string) (any, error) {
	switch columnType {
	case "bigint":
		return parseBigint(raw)
	case "double":
		return parseDouble(raw)
	case "text":
		return parseText(raw)
	case "bool":
		return parseBool(raw)
	case "timestamptz":
		return parseTimestamp(raw, timeFormat)
	default:
		return nil, fmt.Errorf("unknown column type %q", columnType)
	}
}

func parseBigint(raw any) (any, error) {
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("value %v is not an integer", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q as bigint: %w", v, err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to bigint", raw)
	}
}

func parseDouble(raw any) (any, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q as double: %w", v, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to double", raw)
	}
}

func parseText(raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to text", raw)
	}
}

func parseBool(raw any) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parse %q as bool: %w", v, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to bool", raw)
	}
}

func parseTimestamp(raw any, layout string) (any, error) {
	switch v := raw.(type) {
	case string:
		ts, err := time.Parse(layout, v)
		if err != nil {
			return nil, fmt.Errorf("parse %q with layout %q: %w", v, layout, err)
		}
		return ts.UTC(), nil
	case float64:
		// Epoch seconds.
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("epoch timestamp %v is not an integer", v)
		}
		return time.Unix(int64(v), 0).UTC(), nil
	default:
		return nil, fmt.Errorf("cannot convert %T to timestamp", raw)
	}
}
