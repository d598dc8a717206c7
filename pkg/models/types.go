// Package models defines the persisted entity records mirrored from the
// upstream API, the scalar types that normalize its wire quirks, and the
// column metadata the store and reconciler build SQL from.
package models

import (
	"bytes"
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"
)

// Kind identifies an upstream entity type.
type Kind string

const (
	KindNation           Kind = "nation"
	KindAlliance         Kind = "alliance"
	KindAlliancePosition Kind = "alliance_position"
	KindCity             Kind = "city"
	KindAccount          Kind = "account"
	KindWar              Kind = "war"
)

// EventKind identifies a subscription event type.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// AllEvents returns create, update and delete.
func AllEvents() []EventKind {
	return []EventKind{EventCreate, EventUpdate, EventDelete}
}

// ID is an upstream entity id. The API encodes ids inconsistently as JSON
// numbers or numeric strings; both decode to the same value.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	n, err := parseJSONInt(b)
	if err != nil {
		return fmt.Errorf("invalid id %s: %w", b, err)
	}
	*id = ID(n)
	return nil
}

func (id ID) Value() (driver.Value, error) { return int64(id), nil }

func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*id = ID(v)
	case int32:
		*id = ID(v)
	default:
		return fmt.Errorf("cannot scan %T into ID", src)
	}
	return nil
}

// NullID is a nullable reference to another entity. JSON null decodes as
// invalid; numbers and numeric strings decode as valid.
type NullID struct {
	Int64 int64
	Valid bool
}

func (n *NullID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*n = NullID{}
		return nil
	}
	v, err := parseJSONInt(b)
	if err != nil {
		return fmt.Errorf("invalid reference %s: %w", b, err)
	}
	*n = NullID{Int64: v, Valid: true}
	return nil
}

func (n NullID) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, n.Int64, 10), nil
}

func (n NullID) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Int64, nil
}

func (n *NullID) Scan(src any) error {
	if src == nil {
		*n = NullID{}
		return nil
	}
	switch v := src.(type) {
	case int64:
		*n = NullID{Int64: v, Valid: true}
	case int32:
		*n = NullID{Int64: int64(v), Valid: true}
	default:
		return fmt.Errorf("cannot scan %T into NullID", src)
	}
	return nil
}

// NullFloat is a nullable double precision value (e.g. update_timezone).
type NullFloat struct {
	Float64 float64
	Valid   bool
}

func (n *NullFloat) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*n = NullFloat{}
		return nil
	}
	b = unquote(b)
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid float %s: %w", b, err)
	}
	*n = NullFloat{Float64: f, Valid: true}
	return nil
}

func (n NullFloat) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, n.Float64, 'g', -1, 64), nil
}

func (n NullFloat) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Float64, nil
}

func (n *NullFloat) Scan(src any) error {
	if src == nil {
		*n = NullFloat{}
		return nil
	}
	switch v := src.(type) {
	case float64:
		*n = NullFloat{Float64: v, Valid: true}
	case float32:
		*n = NullFloat{Float64: float64(v), Valid: true}
	default:
		return fmt.Errorf("cannot scan %T into NullFloat", src)
	}
	return nil
}

// timeLayouts are the timestamp encodings the upstream is known to emit.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time is a required timestamptz, normalized to UTC.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(b []byte) error {
	parsed, ok, err := parseJSONTime(b)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("null is not a valid timestamp")
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.UTC().Format(time.RFC3339))), nil
}

func (t Time) Value() (driver.Value, error) { return t.UTC(), nil }

func (t *Time) Scan(src any) error {
	v, ok := src.(time.Time)
	if !ok {
		return fmt.Errorf("cannot scan %T into Time", src)
	}
	t.Time = v.UTC()
	return nil
}

// NullTime is a nullable timestamptz. The upstream encodes "never" as a
// timestamp with a negative year; that sentinel decodes as null.
type NullTime struct {
	Time  time.Time
	Valid bool
}

func (n *NullTime) UnmarshalJSON(b []byte) error {
	parsed, ok, err := parseJSONTime(b)
	if err != nil {
		return err
	}
	*n = NullTime{Time: parsed, Valid: ok}
	return nil
}

func (n NullTime) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(n.Time.UTC().Format(time.RFC3339))), nil
}

func (n NullTime) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Time.UTC(), nil
}

func (n *NullTime) Scan(src any) error {
	if src == nil {
		*n = NullTime{}
		return nil
	}
	v, ok := src.(time.Time)
	if !ok {
		return fmt.Errorf("cannot scan %T into NullTime", src)
	}
	*n = NullTime{Time: v.UTC(), Valid: true}
	return nil
}

// parseJSONTime decodes a quoted timestamp. It returns ok=false for JSON
// null and for negative-year sentinels.
func parseJSONTime(b []byte) (time.Time, bool, error) {
	if bytes.Equal(b, []byte("null")) {
		return time.Time{}, false, nil
	}
	s := string(unquote(b))
	if s == "" || s[0] == '-' {
		return time.Time{}, false, nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseJSONInt(b []byte) (int64, error) {
	return strconv.ParseInt(string(unquote(b)), 10, 64)
}

func unquote(b []byte) []byte {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		return b[1 : len(b)-1]
	}
	return b
}
