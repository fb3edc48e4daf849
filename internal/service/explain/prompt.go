package explain

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// DefaultSystemPrompt is the persona sent with every generation request.
const DefaultSystemPrompt = "You are an expert reverse engineering assistant."

const promptHeader = `You are an expert reverse engineer with deep knowledge of x86/16-bit/32-bit/64-bit assembly.
Explain what this function does in clear, concise language for a software engineer.

Provide four sections:
1) High-level summary (1-3 sentences).
2) Step-by-step explanation of the important instructions and control flow.
3) Clean pseudocode reconstruction (Python-style).
4) Any suspicious or noteworthy behavior (I/O, self-modifying, packing, obfuscation).

`

// BuildPrompt renders the explanation request for one function. The listing
// has one "0x<offset>: <text>" line per instruction, in disassembly order.
func BuildPrompt(fileID, addr string, disasm map[string]any) string {
	ops := model.DisassemblyOps(disasm)
	lines := make([]string, 0, len(ops))
	for _, op := range ops {
		lines = append(lines, fmt.Sprintf("0x%x: %s", model.OpOffset(op), model.OpText(op)))
	}

	var b strings.Builder
	b.WriteString(promptHeader)
	fmt.Fprintf(&b, "Disassembly (file_id: %s, addr: %s):\n", fileID, addr)
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}
