package model

import (
	"bytes"
	"encoding/json"
)

// CFGShapeKind tags the top-level layout of a persisted CFG document.
type CFGShapeKind int

const (
	// ShapeUnknown covers null, scalars and undecodable documents.
	ShapeUnknown CFGShapeKind = iota
	// ShapeArray is a bare array of blocks.
	ShapeArray
	// ShapeObject is an object holding blocks under one of cfgBlockKeys.
	ShapeObject
)

func (k CFGShapeKind) String() string {
	switch k {
	case ShapeArray:
		return "array"
	case ShapeObject:
		return "object"
	}
	return "unknown"
}

// cfgBlockKeys are checked in order; the first non-empty array wins.
var cfgBlockKeys = []string{"blocks", "nodes", "basic_blocks"}

// CFGShape is a decoded CFG document before normalization.
type CFGShape struct {
	Kind CFGShapeKind
	// SourceKey is the object key the blocks came from (ShapeObject only).
	SourceKey string
	Blocks    []any
}

// DecodeCFG classifies a raw CFG document. It never fails: anything it cannot
// make sense of decodes to ShapeUnknown with no blocks.
func DecodeCFG(raw []byte) CFGShape {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return CFGShape{Kind: ShapeUnknown}
	}
	switch t := v.(type) {
	case []any:
		return CFGShape{Kind: ShapeArray, Blocks: t}
	case map[string]any:
		for _, k := range cfgBlockKeys {
			if blocks, ok := t[k].([]any); ok && len(blocks) > 0 {
				return CFGShape{Kind: ShapeObject, SourceKey: k, Blocks: blocks}
			}
		}
		return CFGShape{Kind: ShapeObject}
	}
	return CFGShape{Kind: ShapeUnknown}
}

// Normalize returns the canonical block list. Every block carries an
// "instructions" array. A missing, null or non-array value falls back to
// "ops" when that is an array, then to empty. Other fields pass through. Non-object blocks are dropped. The input is not mutated.
func (s CFGShape) Normalize() []map[string]any {
	out := make([]map[string]any, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		nb := make(map[string]any, len(block)+1)
		for k, v := range block {
			nb[k] = v
		}
		instr, ok := block["instructions"].([]any)
		if !ok {
			if instr, ok = block["ops"].([]any); !ok {
				instr = []any{}
			}
		}
		nb["instructions"] = instr
		out = append(out, nb)
	}
	return out
}

// NormalizeCFG is DecodeCFG followed by Normalize.
func NormalizeCFG(raw []byte) []map[string]any {
	return DecodeCFG(raw).Normalize()
}
