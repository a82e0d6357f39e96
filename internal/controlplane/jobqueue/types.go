package jobqueue

import (
	"encoding/json"
	"time"
)

// Job states. A job is born queued, moves to dispatched when sent to the
// device, and terminates in exactly one of completed, failed or removed.
// Dispatched jobs whose device disconnects return to queued, so a device may
// observe the same job more than once (at-least-once delivery).
const (
	StateQueued     = "queued"
	StateDispatched = "dispatched"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateRemoved    = "removed"
)

// Job is one unit of work queued for a single device. Seq is assigned by the
// store and orders jobs FIFO within a device.
type Job struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	DeviceID     string          `json:"device_id"`
	Method       string          `json:"method"`
	Entity       string          `json:"entity"`
	Message      string          `json:"message"`
	Params       json.RawMessage `json:"params,omitempty"`
	Username     string          `json:"username,omitempty"`
	State        string          `json:"state"`
	Attempts     int             `json:"attempts"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the job is in a final state.
func (j Job) Terminal() bool {
	switch j.State {
	case StateCompleted, StateFailed, StateRemoved:
		return true
	}
	return false
}
