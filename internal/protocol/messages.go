package protocol

import "time"

// MoveRequest asks the rover for one timed movement pulse.
type MoveRequest struct {
	Command string `json:"command"`
}

// ServoRequest points a servo at an angle in degrees.
type ServoRequest struct {
	Channel string `json:"channel"`
	Angle   int    `json:"angle"`
}

// CommandReply answers a direct command request.
type CommandReply struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// RunRequest starts an agent run with a goal.
type RunRequest struct {
	Goal    string `json:"goal"`
	TraceID string `json:"trace_id,omitempty"`
}

// AgentStep is broadcast once per control-loop iteration.
type AgentStep struct {
	RunID       string    `json:"run_id"`
	Iteration   int       `json:"iteration"`
	Observation string    `json:"observation"`
	Thought     string    `json:"thought"`
	Actions     []string  `json:"actions"`
	Completed   bool      `json:"completed"`
	Fault       string    `json:"fault,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// RunResult is the terminal report of an agent run.
type RunResult struct {
	RunID      string    `json:"run_id"`
	Goal       string    `json:"goal"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	Iterations int       `json:"iterations"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Announce advertises a node and what it can do.
type Announce struct {
	NodeID       string    `json:"node_id"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities"`
	Timestamp    time.Time `json:"timestamp"`
}

// Heartbeat carries liveness plus a few operational gauges.
type Heartbeat struct {
	NodeID         string    `json:"node_id"`
	FramesSeen     uint64    `json:"frames_seen"`
	LastFrameAgeMS int64     `json:"last_frame_age_ms"`
	ActiveRuns     int       `json:"active_runs"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectDriveMove  = "rover.drive.move"
	SubjectDriveServo = "rover.drive.servo"
	SubjectAgentRun   = "rover.agent.run"
	SubjectAgentStep  = "rover.agent.step"
	SubjectAgentDone  = "rover.agent.result"

	SubjectNodeAnnounce        = "rover.node.announce"
	SubjectNodeHeartbeatPrefix = "rover.node.heartbeat"
)

// Reply codes shared by the bus and HTTP surfaces.
const (
	CodeInvalid     = "invalid"
	CodeBusy        = "busy"
	CodeUnavailable = "unavailable"
	CodeHardware    = "hardware"
	CodeCancelled   = "cancelled"
)
