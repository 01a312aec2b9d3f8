package backend

// SerialPort is one entry from the backend's serial port enumeration
type SerialPort struct {
	Device      string `json:"device"`
	Description string `json:"description"`
	VID         string `json:"vid"`
	PID         string `json:"pid"`
}

// DetectionStatus classifies a device-detection result
type DetectionStatus string

const (
	DetectionDetected       DetectionStatus = "detected"
	DetectionManualRequired DetectionStatus = "manual_required"
	DetectionNotDetected    DetectionStatus = "not_detected"
)

// DetectedDevice is one entry from the per-solution device detection call
type DetectedDevice struct {
	ConfigID string          `json:"config_id"`
	Status   DetectionStatus `json:"status"`
	Details  DetectionDetail `json:"details"`
}

// DetectionDetail carries whatever the backend learned about the device
type DetectionDetail struct {
	Port        string `json:"port,omitempty"`
	Description string `json:"description,omitempty"`
}

// NetworkDevice is one host found by the time-boxed network scan
type NetworkDevice struct {
	IP         string `json:"ip"`
	Hostname   string `json:"hostname"`
	DeviceType string `json:"device_type"`
}

// SuggestedHost is a curated fallback suggestion when the scan finds nothing
type SuggestedHost struct {
	Hostname string `json:"hostname"`
	DeviceID string `json:"device_id"`
}

// ScanResult is the network scan response
type ScanResult struct {
	Devices        []NetworkDevice `json:"devices"`
	SuggestedHosts []SuggestedHost `json:"suggested_hosts"`
}

// ConnectionParams is the payload for a connection test
type ConnectionParams struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// RequestOptions is the options bag attached to a deployment request
type RequestOptions struct {
	DeployTarget string            `json:"deploy_target,omitempty"`
	ConfigFile   string            `json:"config_file,omitempty"`
	UserInputs   map[string]string `json:"user_inputs,omitempty"`
}

// DeploymentRequest is the request to start one deployment attempt.
// DeviceConnections values are type-specific shapes built by the session
// controller, so they stay schemaless here.
type DeploymentRequest struct {
	SolutionID        string                    `json:"solution_id"`
	PresetID          string                    `json:"preset_id,omitempty"`
	SelectedDevices   []string                  `json:"selected_devices"`
	DeviceConnections map[string]map[string]any `json:"device_connections"`
	Options           RequestOptions            `json:"options"`
}

type startResponse struct {
	DeploymentID string `json:"deployment_id"`
}

type testResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}
