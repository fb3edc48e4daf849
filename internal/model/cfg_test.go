package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiseki/internal/model"
)

func TestDecodeCFGShapes(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		kind   model.CFGShapeKind
		key    string
		blocks int
	}{
		{"array", `[{"offset":1}]`, model.ShapeArray, "", 1},
		{"blocks", `{"blocks":[{"offset":1},{"offset":2}]}`, model.ShapeObject, "blocks", 2},
		{"nodes", `{"nodes":[{"id":0}]}`, model.ShapeObject, "nodes", 1},
		{"basic_blocks", `{"basic_blocks":[{"id":0}]}`, model.ShapeObject, "basic_blocks", 1},
		{"empty blocks falls through", `{"blocks":[],"nodes":[{"id":0}]}`, model.ShapeObject, "nodes", 1},
		{"object without blocks", `{"name":"f"}`, model.ShapeObject, "", 0},
		{"null", `null`, model.ShapeUnknown, "", 0},
		{"scalar", `42`, model.ShapeUnknown, "", 0},
		{"garbage", `{{{`, model.ShapeUnknown, "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shape := model.DecodeCFG([]byte(tc.raw))
			assert.Equal(t, tc.kind, shape.Kind)
			assert.Equal(t, tc.key, shape.SourceKey)
			assert.Len(t, shape.Blocks, tc.blocks)
		})
	}
}

func TestNormalizeCFGBackfillsInstructions(t *testing.T) {
	fromOps := model.NormalizeCFG([]byte(`{"blocks":[{"offset":16,"ops":[{"offset":16,"disasm":"nop"}]}]}`))
	fromInstr := model.NormalizeCFG([]byte(`[{"offset":16,"instructions":[{"offset":16,"disasm":"nop"}]}]`))

	require.Len(t, fromOps, 1)
	require.Len(t, fromInstr, 1)
	assert.Equal(t, fromOps[0]["instructions"], fromInstr[0]["instructions"])

	// The only structural difference is the originally-present ops field.
	delete(fromOps[0], "ops")
	a, _ := json.Marshal(fromOps)
	b, _ := json.Marshal(fromInstr)
	assert.JSONEq(t, string(b), string(a))
}

func TestNormalizeCFGTolerance(t *testing.T) {
	blocks := model.NormalizeCFG([]byte(`[{"offset":1,"instructions":null,"ops":[{"offset":1}]}, "junk", 7, {"offset":2,"extra":{"k":"v"}}]`))
	require.Len(t, blocks, 2)

	instr, ok := blocks[0]["instructions"].([]any)
	require.True(t, ok)
	assert.Len(t, instr, 1, "null instructions fall back to ops")

	instr, ok = blocks[1]["instructions"].([]any)
	require.True(t, ok)
	assert.Empty(t, instr)
	assert.Equal(t, map[string]any{"k": "v"}, blocks[1]["extra"], "unknown fields pass through")
}

func TestNormalizeCFGMalformedInstructions(t *testing.T) {
	blocks := model.NormalizeCFG([]byte(`[
		{"offset":1,"instructions":"push rbp","ops":[{"offset":1}]},
		{"offset":2,"instructions":{"0":"ret"}},
		{"offset":3,"instructions":"x","ops":"y"}
	]`))
	require.Len(t, blocks, 3)

	instr, ok := blocks[0]["instructions"].([]any)
	require.True(t, ok)
	assert.Len(t, instr, 1, "a string falls back to ops")

	for _, b := range blocks[1:] {
		instr, ok := b["instructions"].([]any)
		require.True(t, ok)
		assert.Empty(t, instr)
	}
}

func TestNormalizeCFGIdempotent(t *testing.T) {
	once := model.NormalizeCFG([]byte(`{"nodes":[{"id":0,"ops":[{"offset":1}]}]}`))
	raw, err := json.Marshal(once)
	require.NoError(t, err)
	twice := model.NormalizeCFG(raw)

	a, _ := json.Marshal(once)
	b, _ := json.Marshal(twice)
	assert.JSONEq(t, string(a), string(b))
}

func TestNormalizeCFGEmpty(t *testing.T) {
	blocks := model.NormalizeCFG([]byte(`null`))
	assert.NotNil(t, blocks)
	assert.Empty(t, blocks)
}
