package models

import "time"

// Device workflow states, coarse enough for a one-line summary per device.
const (
	StateSuccess       = "Success"
	StateUnreachable   = "Unreachable"
	StateLoginFailed   = "Login failed"
	StatePrepareFailed = "Session preparation failed"
	StateCommandFailed = "Commands accepted with errors"
	StateSaveFailed    = "Commands accepted, save config failed"
)

// CommandResult holds the transcript of one command sent to a device.
type CommandResult struct {
	Command string
	Output  string
	Err     error
}

// DeviceResult holds the outcome of a full device workflow.
type DeviceResult struct {
	Device   string
	State    string
	Commands []CommandResult
	Saved    bool
	Duration time.Duration
	Err      error
}
