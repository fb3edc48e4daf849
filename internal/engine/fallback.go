package engine

import (
	"context"
	"encoding/json"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Fallback produces a fixed synthetic analysis so that the rest of the system
// can run on hosts without radare2. Its output is deterministic and carries
// the same field names radare2 emits.
type Fallback struct{}

func (Fallback) Name() string { return "fallback" }

func (Fallback) Open(_ context.Context, _ string) (Session, error) {
	return fallbackSession{}, nil
}

type fallbackFunc struct {
	name       string
	offset     uint64
	size       uint64
	stackframe int
	cost       int
	cc         int
	nbbs       int
	edges      int
	indegree   int
	outdegree  int
	nargs      int
	nlocals    int
	bpvars     int
	spvars     int
}

var fallbackFuncs = []fallbackFunc{
	{name: "main", offset: 4194304, size: 128, stackframe: 8, cost: 10, cc: 20, nbbs: 3, edges: 4, indegree: 1, outdegree: 2, nargs: 2, nlocals: 3, bpvars: 1, spvars: 2},
	{name: "sub_function", offset: 4194500, size: 64, stackframe: 16, cost: 5, cc: 10, nbbs: 2, edges: 2, indegree: 1, outdegree: 1, nargs: 1, nlocals: 2, spvars: 2},
	{name: "init_function", offset: 4195000, size: 32, cost: 2, cc: 5, nbbs: 1, edges: 1, outdegree: 1},
}

func lookupFallback(addr uint64) (fallbackFunc, bool) {
	for _, f := range fallbackFuncs {
		if f.offset == addr {
			return f, true
		}
	}
	return fallbackFunc{}, false
}

type fallbackSession struct{}

func (fallbackSession) Analyze(context.Context) error { return nil }

func (fallbackSession) Functions(context.Context) ([]model.FunctionRecord, error) {
	out := make([]model.FunctionRecord, 0, len(fallbackFuncs))
	for _, f := range fallbackFuncs {
		out = append(out, model.FunctionRecord{
			"name":       f.name,
			"offset":     f.offset,
			"size":       f.size,
			"is-pure":    "none",
			"realsz":     f.size,
			"stackframe": f.stackframe,
			"calltype":   "none",
			"cost":       f.cost,
			"cc":         f.cc,
			"bits":       64,
			"type":       "fcn",
			"nbbs":       f.nbbs,
			"edges":      f.edges,
			"ebbs":       1,
			"signature":  false,
			"minbound":   f.offset,
			"maxbound":   f.offset + f.size,
			"indegree":   f.indegree,
			"outdegree":  f.outdegree,
			"nargs":      f.nargs,
			"nlocals":    f.nlocals,
			"bpvars":     f.bpvars,
			"spvars":     f.spvars,
			"regvars":    0,
			"difftype":   "new",
		})
	}
	return out, nil
}

func fallbackOp(offset uint64, typ, text string) map[string]any {
	return map[string]any{"offset": offset, "type": typ, "opcode": text, "disasm": text}
}

func (fallbackSession) Disassemble(_ context.Context, addr uint64) (json.RawMessage, error) {
	f, ok := lookupFallback(addr)
	if !ok {
		return nil, nil
	}
	doc := map[string]any{
		"addr": f.offset,
		"size": f.size,
		"name": f.name,
		"ops": []any{
			fallbackOp(f.offset, "push", "push rbp"),
			fallbackOp(f.offset+1, "mov", "mov rbp, rsp"),
			fallbackOp(f.offset+4, "sub", "sub rsp, 0x20"),
			fallbackOp(f.offset+8, "mov", "mov dword [rbp - 0x4], 0x0"),
		},
	}
	return json.Marshal(doc)
}

func (fallbackSession) Graph(_ context.Context, addr uint64) (json.RawMessage, error) {
	f, ok := lookupFallback(addr)
	if !ok {
		return nil, nil
	}
	node := func(id int, typ string, offset, size uint64, inputs, outputs []int, np int, bp bool) map[string]any {
		return map[string]any{
			"id": id, "type": typ, "offset": offset, "size": size,
			"inputs": inputs, "outputs": outputs, "np": np, "bp": bp,
		}
	}
	doc := []any{
		map[string]any{
			"addr": f.offset,
			"size": f.size,
			"type": "fcn",
			"cc": []any{map[string]any{
				"addr": f.offset, "size": f.size,
				"inputs": []int{}, "outputs": []int{}, "np": 1, "bp": true,
			}},
			"nodes": []any{
				node(0, "entry", f.offset, 10, []int{}, []int{1}, 1, true),
				node(1, "body", f.offset+10, f.size-20, []int{0}, []int{2}, 1, true),
				node(2, "exit", f.offset+f.size-10, 10, []int{1}, []int{}, 0, false),
			},
		},
	}
	return json.Marshal(doc)
}

func (fallbackSession) Close() error { return nil }
