package protocol

import "time"

// Version is the protocol_version stamped on outbound messages.
const Version = "1.0"

// MessageType is the envelope discriminator carried in message_type.
type MessageType string

const (
	TypeHandshake  MessageType = "handshake"
	TypeCommand    MessageType = "command"
	TypeResponse   MessageType = "response"
	TypeHeartbeat  MessageType = "heartbeat"
	TypeDisconnect MessageType = "disconnect"
	TypeStatus     MessageType = "status"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeHandshake, TypeCommand, TypeResponse, TypeHeartbeat, TypeDisconnect, TypeStatus:
		return true
	default:
		return false
	}
}

// Payload is implemented by every payload variant.
type Payload interface {
	Kind() MessageType
}

// Message is the decoded wire envelope.
type Message struct {
	ProtocolVersion string
	Type            MessageType
	SequenceID      uint64
	Timestamp       int64
	Payload         Payload
}

// New builds a message for p stamped with the current protocol version and time.
func New(seq uint64, p Payload) Message {
	m := Message{
		ProtocolVersion: Version,
		SequenceID:      seq,
		Timestamp:       time.Now().Unix(),
		Payload:         p,
	}
	if p != nil {
		m.Type = p.Kind()
	}
	return m
}

type Handshake struct {
	ClientID          string   `json:"client_id"`
	ClientVersion     string   `json:"client_version"`
	RequestedFeatures []string `json:"requested_features"`
}

func (Handshake) Kind() MessageType { return TypeHandshake }

type Command struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
}

func (Command) Kind() MessageType { return TypeCommand }

// ResponseStatus is the outcome reported by the Air-Side for one command.
type ResponseStatus string

const (
	ResponseSuccess    ResponseStatus = "success"
	ResponseError      ResponseStatus = "error"
	ResponseInProgress ResponseStatus = "in_progress"
)

func (s ResponseStatus) Valid() bool {
	switch s {
	case ResponseSuccess, ResponseError, ResponseInProgress:
		return true
	default:
		return false
	}
}

type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Details is a string or an object depending on the Air-Side build.
	Details any `json:"details,omitempty"`
}

type Response struct {
	Command string         `json:"command"`
	Status  ResponseStatus `json:"status"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *ErrorInfo     `json:"error,omitempty"`
}

func (Response) Kind() MessageType { return TypeResponse }

// Sender identifies which side emitted a heartbeat.
type Sender string

const (
	SenderGround Sender = "ground"
	SenderAir    Sender = "air"
)

type Heartbeat struct {
	Sender        Sender `json:"sender"`
	ClientID      string `json:"client_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (Heartbeat) Kind() MessageType { return TypeHeartbeat }

type Disconnect struct {
	Reason string `json:"reason"`
}

func (Disconnect) Kind() MessageType { return TypeDisconnect }

// Status is the telemetry broadcast. System and Camera are always present.
type Status struct {
	System    *SystemStatus   `json:"system"`
	Camera    *CameraStatus   `json:"camera"`
	Gimbal    *GimbalStatus   `json:"gimbal,omitempty"`
	Downloads *DownloadStatus `json:"downloads,omitempty"`
}

func (Status) Kind() MessageType { return TypeStatus }

type SystemStatus struct {
	UptimeSeconds int64    `json:"uptime_seconds"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryMB      int64    `json:"memory_mb"`
	MemoryTotalMB int64    `json:"memory_total_mb"`
	DiskFreeGB    float64  `json:"disk_free_gb"`
	DiskTotalGB   float64  `json:"disk_total_gb,omitempty"`
	NetworkRxMbps *float64 `json:"network_rx_mbps,omitempty"`
	NetworkTxMbps *float64 `json:"network_tx_mbps,omitempty"`
}

// MemoryUsagePercent returns used memory as a percentage of total.
func (s SystemStatus) MemoryUsagePercent() float64 {
	if s.MemoryTotalMB <= 0 {
		return 0
	}
	return float64(s.MemoryMB) / float64(s.MemoryTotalMB) * 100
}

type CameraStatus struct {
	Connected      bool   `json:"connected"`
	Model          string `json:"model,omitempty"`
	BatteryPercent int    `json:"battery_percent"`
	RemainingShots int    `json:"remaining_shots,omitempty"`
	ShutterSpeed   string `json:"shutter_speed,omitempty"`
	Aperture       string `json:"aperture,omitempty"`
	ISO            string `json:"iso,omitempty"`
	WhiteBalance   string `json:"white_balance,omitempty"`
	FocusMode      string `json:"focus_mode,omitempty"`
	FileFormat     string `json:"file_format,omitempty"`
}

type GimbalAttitude struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

type GimbalStatus struct {
	Connected bool            `json:"connected"`
	Type      string          `json:"type,omitempty"`
	Model     string          `json:"model,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Attitude  *GimbalAttitude `json:"attitude,omitempty"`
	Moving    bool            `json:"moving"`
}

type ActiveDownload struct {
	ContentID                     string  `json:"content_id"`
	ProgressPercent               int     `json:"progress_percent"`
	SpeedMbps                     float64 `json:"speed_mbps"`
	EstimatedTimeRemainingSeconds int     `json:"estimated_time_remaining_seconds"`
}

type DownloadStatus struct {
	QueueSize      int             `json:"queue_size"`
	ActiveDownload *ActiveDownload `json:"active_download,omitempty"`
}
