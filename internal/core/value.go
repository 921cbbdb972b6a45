package core

import (
	"encoding/base64"
	"fmt"
	"time"

	"erpcore/pkg/schema"
)

const blobRefPrefix = "blob://"

const (
	timeLayoutDate     = "2006-01-02"
	timeLayoutDatetime = time.RFC3339Nano
)

// Row values are restricted to nil, bool, int64, float64, and string so that
// snapshots survive a JSON round trip unchanged. Dates and datetimes are
// stored as RFC3339 strings, binary payloads as base64 or a blob reference.

func normalizeValue(model string, f schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Kind {
	case schema.KindText:
		s, ok := v.(string)
		if !ok {
			return nil, FieldAccessError{Model: model, Field: f.Name, Reason: fmt.Sprintf("expected string, got %T", v)}
		}
		return s, nil
	case schema.KindInteger:
		n, ok := asInteger(v)
		if !ok {
			return nil, FieldAccessError{Model: model, Field: f.Name, Reason: fmt.Sprintf("expected integer, got %T", v)}
		}
		return n, nil
	case schema.KindFloat:
		fv, ok := asFloat(v)
		if !ok {
			return nil, FieldAccessError{Model: model, Field: f.Name, Reason: fmt.Sprintf("expected float, got %T", v)}
		}
		return fv, nil
	case schema.KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, FieldAccessError{Model: model, Field: f.Name, Reason: fmt.Sprintf("expected bool, got %T", v)}
		}
		return b, nil
	case schema.KindDate:
		return normalizeTime(model, f, v, timeLayoutDate)
	case schema.KindDatetime:
		return normalizeTime(model, f, v, timeLayoutDatetime)
	case schema.KindBinary:
		switch b := v.(type) {
		case []byte:
			return base64.StdEncoding.EncodeToString(b), nil
		case string:
			// Already a blob reference or base64 payload.
			return b, nil
		default:
			return nil, FieldAccessError{Model: model, Field: f.Name, Reason: fmt.Sprintf("expected bytes, got %T", v)}
		}
	case schema.KindManyToOne:
		id, ok := asRecordID(v)
		if !ok {
			return nil, FieldAccessError{Model: model, Field: f.Name, Reason: fmt.Sprintf("expected record id, got %T", v)}
		}
		if id == 0 {
			return nil, nil
		}
		return id, nil
	default:
		return nil, FieldAccessError{Model: model, Field: f.Name, Reason: "value not assignable to this field kind"}
	}
}

func normalizeTime(model string, f schema.Field, v any, layout string) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(layout), nil
	case string:
		if _, err := time.Parse(layout, t); err != nil {
			return nil, FieldAccessError{Model: model, Field: f.Name, Reason: fmt.Sprintf("invalid timestamp %q", t)}
		}
		return t, nil
	default:
		return nil, FieldAccessError{Model: model, Field: f.Name, Reason: fmt.Sprintf("expected time, got %T", v)}
	}
}

func asInteger(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		if i, ok := asInteger(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}

func asRecordID(v any) (int64, bool) {
	if rs, ok := v.(*RecordSet); ok {
		if rs == nil || rs.Len() == 0 {
			return 0, true
		}
		if rs.Len() != 1 {
			return 0, false
		}
		return rs.ids[0], true
	}
	return asInteger(v)
}

// BlobRef formats a blob store key as a binary field value.
func BlobRef(key string) string { return blobRefPrefix + key }

// ParseBlobRef reports whether the binary value is a blob reference and
// returns its key.
func ParseBlobRef(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || len(s) <= len(blobRefPrefix) || s[:len(blobRefPrefix)] != blobRefPrefix {
		return "", false
	}
	return s[len(blobRefPrefix):], true
}
