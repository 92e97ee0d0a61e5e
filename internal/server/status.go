package server

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a Factorio server instance.
type Status int

const (
	StatusUnknown Status = iota
	StatusWrapperStarting
	StatusWrapperStarted
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusKilling
	StatusKilled
	StatusCrashed
	StatusUpdating
	StatusUpdated
	StatusPreparing
	StatusPrepared
	StatusErrored
)

var statusNames = [...]string{
	StatusUnknown:         "Unknown",
	StatusWrapperStarting: "WrapperStarting",
	StatusWrapperStarted:  "WrapperStarted",
	StatusStarting:        "Starting",
	StatusRunning:         "Running",
	StatusStopping:        "Stopping",
	StatusStopped:         "Stopped",
	StatusKilling:         "Killing",
	StatusKilled:          "Killed",
	StatusCrashed:         "Crashed",
	StatusUpdating:        "Updating",
	StatusUpdated:         "Updated",
	StatusPreparing:       "Preparing",
	StatusPrepared:        "Prepared",
	StatusErrored:         "Errored",
}

// AllStatuses lists every status in declaration order.
func AllStatuses() []Status {
	out := make([]Status, len(statusNames))
	for i := range statusNames {
		out[i] = Status(i)
	}
	return out
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus parses a status name, ignoring case.
func ParseStatus(name string) (Status, error) {
	name = strings.TrimSpace(name)
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown server status %q", name)
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanStart reports whether a server in status s may be started.
func CanStart(s Status) bool {
	switch s {
	case StatusUnknown, StatusStopped, StatusKilled, StatusCrashed, StatusUpdated, StatusErrored:
		return true
	default:
		return false
	}
}

// CanStop reports whether a server in status s may be asked to stop.
func CanStop(s Status) bool {
	switch s {
	case StatusWrapperStarted, StatusStarting, StatusRunning:
		return true
	default:
		return false
	}
}

// CanForceStop reports whether a server in status s may be killed.
func CanForceStop(s Status) bool {
	return s == StatusUnknown || CanStop(s)
}

// CanUpdate reports whether a server in status s may be updated.
func CanUpdate(s Status) bool {
	return CanStart(s)
}

// IsFinishedRunning reports whether s ends a run of the server.
func IsFinishedRunning(s Status) bool {
	switch s {
	case StatusStopped, StatusKilled, StatusCrashed:
		return true
	default:
		return false
	}
}

func (s Status) CanStart() bool          { return CanStart(s) }
func (s Status) CanStop() bool           { return CanStop(s) }
func (s Status) CanForceStop() bool      { return CanForceStop(s) }
func (s Status) CanUpdate() bool         { return CanUpdate(s) }
func (s Status) IsFinishedRunning() bool { return IsFinishedRunning(s) }
