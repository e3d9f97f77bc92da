package status

import "github.com/mattjoyce/controller/internal/audit"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	// Status is "ok" while the controller is serving commands, "parent_gone"
	// once the liveness stream ended, and "terminated" after the loop ended.
	Status        string   `json:"status"`
	LoopState     string   `json:"loop_state"`
	ParentGone    bool     `json:"parent_gone"`
	PID           int      `json:"pid"`
	ParentPID     int      `json:"parent_pid"`
	CommandPipe   string   `json:"command_pipe"`
	AllowList     []string `json:"allow_list"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Version       string   `json:"version"`
}

// LaunchesResponse is returned by GET /launches.
type LaunchesResponse struct {
	Launches []audit.Entry `json:"launches"`
}
