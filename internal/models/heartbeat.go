package models

import "time"

// Liveness is the outcome of a heartbeat check.
type Liveness string

const (
	// LivenessAlive means the record was refreshed within the caller timeout.
	LivenessAlive Liveness = "alive"

	// LivenessStale means the record exists but is past the caller timeout.
	// Stale is a supervisory signal, not an error.
	LivenessStale Liveness = "stale"

	// LivenessNotFound means no record exists for the job id. Distinct from
	// stale: the job may never have started.
	LivenessNotFound Liveness = "not_found"
)

// Heartbeat is a liveness beacon written by a running agent process. One
// record per job id, fully overwritten on every write.
type Heartbeat struct {
	JobID     string `json:"job_id"`
	PID       int    `json:"pid"`
	WorkItem  string `json:"work_item,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	Activity  string `json:"activity,omitempty"`

	MemoryBytes int64   `json:"memory_bytes,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Age returns how long ago the heartbeat was refreshed.
func (h *Heartbeat) Age(now time.Time) time.Duration {
	return now.Sub(h.UpdatedAt)
}
