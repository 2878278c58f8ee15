package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Key is an ordered tuple of column values identifying a row or a join.
type Key []any

// KeyFromRow reads the named columns from row. The second return is false
// when any of the columns is NULL or missing, in which case the key cannot
// match anything.
func KeyFromRow(row Row, columns []string) (Key, bool) {
	key := make(Key, len(columns))
	for i, col := range columns {
		v, ok := row[col]
		if !ok || v == nil {
			return nil, false
		}
		key[i] = v
	}
	return key, true
}

// Canonical returns a stable string encoding of the key.
//
// Values are rendered as text so that the same key read through different
// drivers or protocols (int64, []byte, string) compares equal. Strings keep
// their case; storage.SQLStore reconciles keys for case-insensitive
// collations.
func (k Key) Canonical() string {
	parts := make([]*string, len(k))
	for i, v := range k {
		if v == nil {
			continue
		}
		s := canonicalValue(v)
		parts[i] = &s
	}
	encoded, err := json.Marshal(parts)
	if err != nil {
		// []*string always marshals.
		panic(err)
	}
	return string(encoded)
}

func canonicalValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int8:
		return strconv.FormatInt(int64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// EntityRef identifies one persistent entity. It is comparable and can be
// used as a map key.
type EntityRef struct {
	Type string
	Key  string
}

// NewEntityRef builds a reference from a type name and primary key.
func NewEntityRef(typ string, key Key) EntityRef {
	return EntityRef{Type: typ, Key: key.Canonical()}
}

func (r EntityRef) String() string {
	return r.Type + r.Key
}

// RefForRow builds the reference of a row of t from its primary key columns.
func RefForRow(t *Type, row Row) (EntityRef, error) {
	key, ok := KeyFromRow(row, t.PrimaryKey)
	if !ok {
		return EntityRef{}, fmt.Errorf("row of %s has a NULL or missing primary key", t.Name)
	}
	return NewEntityRef(t.Name, key), nil
}
