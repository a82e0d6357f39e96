// Package protocol defines the wire protocol between the management service
// and edge devices. Both the control plane and the device agent speak this
// envelope over the persistent control channel.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of message on the control channel.
type MessageType string

const (
	// Management → Device
	MsgJob  MessageType = "job"
	MsgPing MessageType = "ping"

	// Device → Management
	MsgJobResult  MessageType = "job_result"
	MsgHeartbeat  MessageType = "heartbeat"
	MsgPong       MessageType = "pong"
	MsgDeviceInfo MessageType = "device_info"
)

// Envelope wraps every message on the wire. Seq is the per-device correlation
// counter: a device must echo the Seq of the request it is answering.
type Envelope struct {
	Seq       uint64          `json:"seq"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an outbound envelope, marshaling the payload.
func NewEnvelope(seq uint64, msgType MessageType, payload any) (Envelope, error) {
	env := Envelope{
		Seq:       seq,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = data
	}
	return env, nil
}

// JobPayload is the management-to-device unit of work. Entity and Message
// identify the device-side action (e.g. entity="agent",
// message="start-router"); Params is the method-specific payload this core
// never inspects.
type JobPayload struct {
	JobID   string          `json:"jobId"`
	Method  string          `json:"method"`
	Entity  string          `json:"entity"`
	Message string          `json:"message"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Job result statuses reported by a device.
const (
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// JobResultPayload is the device's acknowledgement of a job.
type JobResultPayload struct {
	JobID  string          `json:"jobId"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HeartbeatPayload is sent by a device at the configured interval.
type HeartbeatPayload struct {
	MachineID    string `json:"machine_id"`
	AgentVersion string `json:"agent_version,omitempty"`
	Uptime       int64  `json:"uptime_seconds,omitempty"`
}

// DeviceInfoPayload reports the device's current hardware and firmware view.
// Sent once after connect and after any hardware change.
type DeviceInfoPayload struct {
	MachineID     string         `json:"machine_id"`
	Serial        string         `json:"serial"`
	Hostname      string         `json:"hostname"`
	AgentVersion  string         `json:"agent_version"`
	RouterVersion string         `json:"router_version,omitempty"`
	Interfaces    []NetInterface `json:"interfaces,omitempty"`
	HwCores       int            `json:"hw_cores"`
	VppCores      int            `json:"vpp_cores"`
}

// NetInterface represents one hardware interface on a device.
type NetInterface struct {
	DevID      string `json:"devId"`
	DeviceType string `json:"deviceType"`
}
