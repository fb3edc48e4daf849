package kaiseki

// FileState is the analysis lifecycle state of an uploaded file.
// PENDING → RUNNING → SUCCESS | FAILED; a file refused by the dispatcher
// goes straight from PENDING to FAILED.
type FileState string

const (
	StatePending FileState = "PENDING"
	StateRunning FileState = "RUNNING"
	StateSuccess FileState = "SUCCESS"
	StateFailed  FileState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s FileState) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// EngineMode selects the analysis backend.
type EngineMode string

const (
	// EngineAuto uses radare2 and falls back to synthetic output when r2 is missing.
	EngineAuto EngineMode = "auto"
	// EngineRadare2 requires radare2; a missing binary fails every job.
	EngineRadare2 EngineMode = "radare2"
	// EngineFallback always produces synthetic output. Useful for demos and tests.
	EngineFallback EngineMode = "fallback"
)
