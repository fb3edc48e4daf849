package mcp

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kaiseki/internal/model"
)

func TestCompactFunction(t *testing.T) {
	f := model.FunctionRecord{
		"name":     "sym.decrypt_config",
		"offset":   json.Number("18446744073709551615"),
		"size":     json.Number("212"),
		"nbbs":     json.Number("9"),
		"cc":       json.Number("4"),
		"minbound": json.Number("4096"),
		"difftype": "new",
	}

	m := compactFunction(f)

	assert.Equal(t, "sym.decrypt_config", m["name"])
	assert.Equal(t, "18446744073709551615", m["addr"])
	assert.Equal(t, "0xffffffffffffffff", m["addr_hex"])
	assert.Equal(t, int64(212), m["size"])
	assert.Equal(t, json.Number("9"), m["nbbs"])
	assert.Equal(t, json.Number("4"), m["cc"])

	_, hasMinbound := m["minbound"]
	_, hasDifftype := m["difftype"]
	assert.False(t, hasMinbound, "minbound should be dropped")
	assert.False(t, hasDifftype, "difftype should be dropped")
}

func TestCompactFunctionWithoutAddress(t *testing.T) {
	m := compactFunction(model.FunctionRecord{"name": "orphan"})
	_, hasAddr := m["addr"]
	assert.False(t, hasAddr)
	assert.Equal(t, int64(0), m["size"])
}

func TestCompactFunctionTruncatesLongNames(t *testing.T) {
	long := strings.Repeat("std::vector<std::basic_string<char>>::", 20)
	m := compactFunction(model.FunctionRecord{"name": long})
	name := m["name"].(string)
	assert.True(t, strings.HasSuffix(name, "..."), "should be truncated")
	assert.LessOrEqual(t, len([]rune(name)), maxNameRunes+3)
}

func TestInstructionListing(t *testing.T) {
	raw := json.RawMessage(`{"ops":[{"offset":4096,"disasm":"nop"},{"offset":4097,"opcode":"ret"}]}`)

	lines, truncated := instructionListing(raw, 10)
	assert.False(t, truncated)
	assert.Equal(t, []string{"0x1000: nop", "0x1001: ret"}, lines)

	lines, truncated = instructionListing(raw, 1)
	assert.True(t, truncated)
	assert.Equal(t, []string{"0x1000: nop"}, lines)
}

func TestInstructionListingNullDocument(t *testing.T) {
	lines, truncated := instructionListing(json.RawMessage("null"), 10)
	assert.False(t, truncated)
	assert.Empty(t, lines)

	lines, _ = instructionListing(nil, 10)
	assert.Empty(t, lines)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel...", truncate("hello world", 3))
	assert.Equal(t, "", truncate("", 5))
	assert.Equal(t, "", truncate("hello", 0))
}
