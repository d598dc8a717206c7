package models

import (
	"encoding/json"
	"fmt"
)

// Record is a persisted row of one of the mirrored tables.
type Record interface {
	Table() string
	Kind() Kind
	RecordID() int64
	Refs() []Ref
}

// Ref describes an outgoing reference carried by a record. Required refs
// constrain the row's existence; nullable refs can be cleared in place.
type Ref struct {
	Column   string
	Table    string
	Required bool
	ID       int64
	Valid    bool
	Clear    func()
}

// New returns an empty record of the given kind. Account is not a record
// kind; its events project onto nation rows.
func New(kind Kind) (Record, error) {
	switch kind {
	case KindNation:
		return &Nation{}, nil
	case KindAlliance:
		return &Alliance{}, nil
	case KindAlliancePosition:
		return &AlliancePosition{}, nil
	case KindCity:
		return &City{}, nil
	case KindWar:
		return &War{}, nil
	default:
		return nil, fmt.Errorf("no record type for kind %q", kind)
	}
}

// Decode unmarshals an upstream payload of the given kind and applies its
// sentinel normalization. The result is a Record for table kinds and an
// *Account for the account kind.
func Decode(kind Kind, data []byte) (any, error) {
	if kind == KindAccount {
		var a Account
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decoding account payload: %w", err)
		}
		return &a, nil
	}
	rec, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	if n, ok := rec.(interface{ Normalize() }); ok {
		n.Normalize()
	}
	return rec, nil
}

// prototype returns a zero value of the kind's payload type, account
// included.
func prototype(kind Kind) (any, error) {
	if kind == KindAccount {
		return &Account{}, nil
	}
	return New(kind)
}

// IncludeFields lists the upstream field names of a kind in declaration
// order, as passed in the subscribe endpoint's include parameter.
func IncludeFields(kind Kind) ([]string, error) {
	p, err := prototype(kind)
	if err != nil {
		return nil, err
	}
	return jsonFields(p), nil
}
