// Package state holds the per-device mutable state for an active workflow.
// The Store is the single source of truth the UI renders from: one entry per
// active device, mutated through setters that emit typed events to
// subscribers.
package state

import (
	"time"

	"github.com/c360/provstation/device"
)

// Status is the deployment status of one device
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further automatic transition occurs
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// LogLevel classifies a log entry for display
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelSuccess LogLevel = "success"
)

// LogEntry is one line in a device's deployment log. Append-only, never
// mutated or reordered.
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
}

// Connection holds the network connection parameters a user or the resolver
// filled in for a device
type Connection struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Spec is the immutable slice of a device definition the store needs to
// seed an entry
type Spec struct {
	ID       string
	Type     device.Type
	Required bool
}

// DeviceState is the mutable record for one device in the active set.
// All mutation goes through Store setters; callers outside the store only
// ever see copies.
type DeviceState struct {
	Spec  Spec
	Index int

	Detected       bool
	Port           string
	Connection     *Connection
	SelectedTarget string
	Status         Status
	Progress       float64
	Logs           []LogEntry
	SectionOpen    bool
	LogsOpen       bool
	UserInputs     map[string]string
	FixPending     bool
}

func (d *DeviceState) snapshot() DeviceState {
	out := *d
	out.Logs = make([]LogEntry, len(d.Logs))
	copy(out.Logs, d.Logs)
	out.UserInputs = make(map[string]string, len(d.UserInputs))
	for k, v := range d.UserInputs {
		out.UserInputs[k] = v
	}
	if d.Connection != nil {
		conn := *d.Connection
		out.Connection = &conn
	}
	return out
}
