package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// maxListingLines caps the instruction listing returned in compact mode.
// Agents can ask for the raw document when they need the whole function.
const maxListingLines = 400

// maxNameRunes bounds symbol names; demangled C++ names can run to kilobytes.
const maxNameRunes = 160

// compactFunction returns a minimal representation of a function record for
// MCP responses. Engine fields beyond name, address, size and a few shape
// counters are dropped; the HTTP API keeps them verbatim.
func compactFunction(f model.FunctionRecord) map[string]any {
	m := map[string]any{
		"name": truncate(f.Name(), maxNameRunes),
		"size": f.Size(),
	}
	if addr, ok := f.Address(); ok {
		m["addr"] = model.AddressKey(addr)
		m["addr_hex"] = fmt.Sprintf("0x%x", addr)
	}
	for _, k := range []string{"nbbs", "cc", "nargs", "type"} {
		if v, ok := f[k]; ok {
			m[k] = v
		}
	}
	return m
}

// instructionListing renders a persisted disassembly document as one
// "0x<offset>: <text>" line per instruction. A null or unrecognised
// document yields an empty listing.
func instructionListing(raw json.RawMessage, limit int) (lines []string, truncated bool) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return []string{}, false
	}
	ops := model.DisassemblyOps(doc)
	lines = make([]string, 0, min(len(ops), limit))
	for i, op := range ops {
		if i == limit {
			return lines, true
		}
		lines = append(lines, fmt.Sprintf("0x%x: %s", model.OpOffset(op), model.OpText(op)))
	}
	return lines, false
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
