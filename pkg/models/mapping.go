package models

import (
	"reflect"
	"strings"
	"sync"
)

// FieldChange is one column whose value differs between a stored row and an
// incoming row of the same record.
type FieldChange struct {
	Column string
	Old    any
	New    any
}

type typeInfo struct {
	columns    []string
	jsonFields []string
	index      [][]int
}

var typeCache sync.Map // reflect.Type -> *typeInfo

func infoFor(t reflect.Type) *typeInfo {
	if cached, ok := typeCache.Load(t); ok {
		return cached.(*typeInfo)
	}
	info := &typeInfo{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		jsonName, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if jsonName != "" && jsonName != "-" {
			info.jsonFields = append(info.jsonFields, jsonName)
		}
		col := f.Tag.Get("db")
		if col == "" || col == "-" {
			continue
		}
		info.columns = append(info.columns, col)
		info.index = append(info.index, f.Index)
	}
	typeCache.Store(t, info)
	return info
}

func structValue(rec any) reflect.Value {
	v := reflect.ValueOf(rec)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return v
}

// Columns returns the record's column names in declaration order, id first.
func Columns(rec any) []string {
	return infoFor(structValue(rec).Type()).columns
}

// Values returns the record's column values in the same order as Columns.
func Values(rec any) []any {
	v := structValue(rec)
	info := infoFor(v.Type())
	out := make([]any, len(info.index))
	for i, idx := range info.index {
		out[i] = v.FieldByIndex(idx).Interface()
	}
	return out
}

// Pointers returns pointers to the record's column fields in the same
// order as Columns, for scanning a selected row.
func Pointers(rec any) []any {
	v := structValue(rec)
	info := infoFor(v.Type())
	out := make([]any, len(info.index))
	for i, idx := range info.index {
		out[i] = v.FieldByIndex(idx).Addr().Interface()
	}
	return out
}

// jsonFields returns the upstream field names in declaration order.
func jsonFields(rec any) []string {
	return infoFor(structValue(rec).Type()).jsonFields
}

// Diff compares two records of the same type column by column and returns
// the changed columns, id excluded. Timestamps compare by instant.
func Diff(stored, incoming any) []FieldChange {
	ov := structValue(stored)
	nv := structValue(incoming)
	info := infoFor(ov.Type())
	var changes []FieldChange
	for i, idx := range info.index {
		if info.columns[i] == "id" {
			continue
		}
		oldVal := ov.FieldByIndex(idx).Interface()
		newVal := nv.FieldByIndex(idx).Interface()
		if !equalValues(oldVal, newVal) {
			changes = append(changes, FieldChange{Column: info.columns[i], Old: oldVal, New: newVal})
		}
	}
	return changes
}

func equalValues(a, b any) bool {
	switch x := a.(type) {
	case Time:
		return x.Time.Equal(b.(Time).Time)
	case NullTime:
		y := b.(NullTime)
		if x.Valid != y.Valid {
			return false
		}
		return !x.Valid || x.Time.Equal(y.Time)
	default:
		return a == b
	}
}
