package schemas

import "time"

// WindowState is the lifecycle state of a window handle. Transitions are
// linear: Open -> Closing -> Closed.
type WindowState int32

const (
	WindowOpen WindowState = iota
	WindowClosing
	WindowClosed
)

func (s WindowState) String() string {
	switch s {
	case WindowOpen:
		return "open"
	case WindowClosing:
		return "closing"
	case WindowClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NativeObjects is the native object section of a memory usage report.
type NativeObjects struct {
	// Objects is the number of live native peers.
	Objects int `json:"objects"`
	// Kinds breaks Objects down by peer kind.
	Kinds map[string]int `json:"kinds,omitempty"`
}

// MemoryUsage mirrors the process diagnostics probe.
type MemoryUsage struct {
	NativeObjects NativeObjects `json:"nativeObjects"`
	CollectedAt   time.Time     `json:"collectedAt"`
}

// ScenarioReport is the outcome of one lifecycle scenario.
type ScenarioReport struct {
	Scenario string        `json:"scenario"`
	Backend  string        `json:"backend"`
	Passed   bool          `json:"passed"`
	Reason   string        `json:"reason,omitempty"`
	Baseline int           `json:"baseline"`
	Before   int           `json:"before"`
	After    int           `json:"after"`
	Expected int           `json:"expected"`
	Requests int64         `json:"requests"`
	Closes   int           `json:"closes"`
	Duration time.Duration `json:"duration"`
}
