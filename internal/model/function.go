package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FunctionRecord is one function reported by the analysis engine. Engine
// fields are kept verbatim; numbers stay json.Number so that re-encoding does
// not lose precision on 64-bit addresses.
type FunctionRecord map[string]any

// Name returns the function name, or "" when absent.
func (f FunctionRecord) Name() string {
	s, _ := f["name"].(string)
	return s
}

// Size returns the function size, or 0 when absent or malformed.
func (f FunctionRecord) Size() int64 {
	n, ok := toUint(f["size"])
	if !ok || n > math.MaxInt64 {
		return 0
	}
	return int64(n)
}

// Address resolves the function's entry address: "offset" first, then "addr".
func (f FunctionRecord) Address() (uint64, bool) {
	if v, ok := f["offset"]; ok {
		if n, ok := toUint(v); ok {
			return n, true
		}
	}
	if v, ok := f["addr"]; ok {
		if n, ok := toUint(v); ok {
			return n, true
		}
	}
	return 0, false
}

// DecodeFunctions parses a function-list document, preserving number literals.
func DecodeFunctions(data []byte) ([]FunctionRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out []FunctionRecord
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("model: decode functions: %w", err)
	}
	if out == nil {
		out = []FunctionRecord{}
	}
	return out, nil
}

// ParseAddress accepts a decimal or 0x-prefixed hexadecimal address.
func ParseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	var (
		n   uint64
		err error
	)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		n, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		n, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, &ValidationError{Field: "addr", Message: fmt.Sprintf("invalid address %q", s)}
	}
	return n, nil
}

// AddressKey is the decimal string form used to key per-function artifacts.
func AddressKey(addr uint64) string {
	return strconv.FormatUint(addr, 10)
}

func toUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case json.Number:
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return u, true
		}
		if f, err := n.Float64(); err == nil && f >= 0 && f == math.Trunc(f) {
			return uint64(f), true
		}
	case float64:
		if n >= 0 && n == math.Trunc(n) {
			return uint64(n), true
		}
	case int:
		if n >= 0 {
			return uint64(n), true
		}
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	case uint64:
		return n, true
	case string:
		if u, err := ParseAddress(n); err == nil {
			return u, true
		}
	}
	return 0, false
}
