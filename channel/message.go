package channel

import (
	"github.com/c360/provstation/state"
)

// Message is the wire format of one event channel message. All event types
// share a single flat shape with optional fields; the Type discriminator
// decides which fields are meaningful.
type Message struct {
	Type     string  `json:"type"`
	Level    string  `json:"level,omitempty"`
	Message  string  `json:"message,omitempty"`
	Status   string  `json:"status,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	DeviceID string  `json:"device_id,omitempty"`
	Step     string  `json:"step,omitempty"`
	Reason   string  `json:"reason,omitempty"`

	// Exceptional-condition fields
	Host       string `json:"host,omitempty"`
	Issue      string `json:"issue,omitempty"`
	CanAutoFix bool   `json:"can_auto_fix,omitempty"`
	FixAction  string `json:"fix_action,omitempty"`
}

// Event types received from the backend
const (
	TypeLog                 = "log"
	TypeStatus              = "status"
	TypeProgress            = "progress"
	TypeDeviceStarted       = "device_started"
	TypePreCheckStarted     = "pre_check_started"
	TypePreCheckPassed      = "pre_check_passed"
	TypePreCheckFailed      = "pre_check_failed"
	TypeDeviceCompleted     = "device_completed"
	TypeDeploymentCompleted = "deployment_completed"
	TypeDockerNotInstalled  = "docker_not_installed"
	TypePing                = "ping"
	TypePong                = "pong"
)

// Fix actions a recoverable exceptional condition can request
const (
	FixInstallDocker     = "install_docker"
	FixStartDocker       = "start_docker"
	FixDockerPermission  = "fix_docker_permission"
	FixReplaceContainers = "replace_containers"
)

// FixRequest describes a recoverable exceptional condition awaiting a user
// decision
type FixRequest struct {
	DeviceID   string
	Host       string
	Issue      string
	FixAction  string
	Message    string
	CanAutoFix bool
}

// fixActionForIssue maps the backend's issue classification to the
// remediation the retry should request
func fixActionForIssue(issue string) string {
	switch issue {
	case "not_installed":
		return FixInstallDocker
	case "not_running":
		return FixStartDocker
	case "permission_denied":
		return FixDockerPermission
	default:
		return ""
	}
}

// logLevel maps wire log levels onto store levels. The backend also emits
// debug lines, which display as info.
func logLevel(level string) state.LogLevel {
	switch level {
	case "warning":
		return state.LevelWarning
	case "error":
		return state.LevelError
	case "success":
		return state.LevelSuccess
	default:
		return state.LevelInfo
	}
}

// parseStatus validates a wire status value
func parseStatus(s string) (state.Status, bool) {
	switch state.Status(s) {
	case state.StatusPending, state.StatusRunning, state.StatusCompleted,
		state.StatusFailed, state.StatusCancelled:
		return state.Status(s), true
	default:
		return "", false
	}
}
