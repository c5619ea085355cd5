package node

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Vars holds the decoded action_vars JSON object.
type Vars map[string]any

// ParseVars decodes the action_vars query value. An empty string yields an
// empty set; anything that is not a JSON object is malformed input.
func ParseVars(raw string) (Vars, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Vars{}, nil
	}
	var v Vars
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, NewError(KindMalformedInput, "action_vars must be a JSON object", err)
	}
	if v == nil {
		v = Vars{}
	}
	return v, nil
}

// Raw re-encodes the vars for persistence.
func (v Vars) Raw() json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// Clone returns a shallow copy of the vars.
func (v Vars) Clone() Vars {
	out := make(Vars, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// String returns a string var or def when absent, null or false. Older
// engines send false for an unset optional string; true is rejected.
func (v Vars) String(key, def string) (string, error) {
	val, ok := v[key]
	if !ok || val == nil || val == false {
		return def, nil
	}
	switch t := val.(type) {
	case string:
		return t, nil
	case float64:
		return fmt.Sprint(t), nil
	default:
		return "", invalidVar(key, "string", val)
	}
}

// Float returns a numeric var or def when absent or null.
func (v Vars) Float(key string, def float64) (float64, error) {
	val, ok := v[key]
	if !ok || val == nil {
		return def, nil
	}
	switch t := val.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, invalidVar(key, "number", val)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, invalidVar(key, "number", val)
		}
		return f, nil
	default:
		return 0, invalidVar(key, "number", val)
	}
}

// Int returns an integral var or def when absent or null.
func (v Vars) Int(key string, def int) (int, error) {
	f, err := v.Float(key, float64(def))
	if err != nil {
		return 0, invalidVar(key, "integer", v[key])
	}
	if f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, invalidVar(key, "integer", v[key])
	}
	return int(f), nil
}

// Bool returns a boolean var or def when absent or null. Strings such as
// "true"/"False" are accepted for compatibility with older engines.
func (v Vars) Bool(key string, def bool) (bool, error) {
	val, ok := v[key]
	if !ok || val == nil {
		return def, nil
	}
	switch t := val.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, invalidVar(key, "bool", val)
		}
		return b, nil
	case float64:
		return t != 0, nil
	default:
		return false, invalidVar(key, "bool", val)
	}
}

func invalidVar(key, want string, got any) error {
	return NewError(KindMalformedInput, fmt.Sprintf("action var %q must be a %s, got %v", key, want, got), nil)
}
