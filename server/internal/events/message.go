// Package events implements the real-time pub/sub hub that pushes server
// events to connected operator clients. It uses gorilla/websocket under
// the hood and exposes a topic-based broadcast API consumed by the
// dispatcher, result ingestion, and the agent registry.
//
// Topic naming convention:
//
//	job:<uuid>    — lifecycle and progress updates for a specific job
//	agent:<uuid>  — status transitions and metrics for a specific agent
//	team:<uuid>   — every event in the team, for dashboard views
package events

// MessageType identifies the kind of event carried by a Message.
// Operator clients use this field to route the payload to the correct
// view update.
type MessageType string

const (
	// MsgJobStatus is sent when a job transitions between states
	// (pending → assigned → running → completed | failed | cancelled).
	MsgJobStatus MessageType = "job.status"

	// MsgJobProgress is sent when an agent reports execution progress
	// for a running job.
	MsgJobProgress MessageType = "job.progress"

	// MsgAgentStatus is sent when an agent registers, goes online or
	// offline, errors, or is revoked.
	MsgAgentStatus MessageType = "agent.status"

	// MsgAgentMetrics is sent on every agent heartbeat with a snapshot
	// of host resource utilization. Published on the "agent:<uuid>"
	// topic so the detail page can display live gauges without polling
	// the REST API.
	MsgAgentMetrics MessageType = "agent.metrics"

	// MsgResultCreated is sent when a new analysis result is persisted,
	// including NO_CHANGE copies and offline uploads.
	MsgResultCreated MessageType = "result.created"

	// MsgPing is sent by the hub periodically to keep the connection
	// alive and let the client detect stale connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"job.status","topic":"job:018f...","payload":{"status":"running"}}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - job.status:     {"guid":"...","status":"running","agent_guid":"..."}
	//   - job.progress:   {"guid":"...","stage":"scanning","percentage":42.0}
	//   - agent.status:   {"guid":"...","status":"online"}
	//   - agent.metrics:  {"cpu_percent":12.5,"memory_percent":60.1,"disk_percent":45.0}
	//   - result.created: {"guid":"...","tool":"photostats","status":"COMPLETED"}
	//   - ping:           {} (empty)
	Payload any `json:"payload"`
}

// JobStatusPayload is the payload for MsgJobStatus messages.
type JobStatusPayload struct {
	GUID      string `json:"guid"`
	Tool      string `json:"tool"`
	Status    string `json:"status"`
	AgentGUID string `json:"agent_guid,omitempty"`
	Retry     int    `json:"retry,omitempty"`
}

// JobProgressPayload is the payload for MsgJobProgress messages.
type JobProgressPayload struct {
	GUID       string   `json:"guid"`
	Stage      string   `json:"stage"`
	Percentage *float64 `json:"percentage,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// AgentStatusPayload is the payload for MsgAgentStatus messages.
type AgentStatusPayload struct {
	GUID   string `json:"guid"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// AgentMetricsPayload is the payload for MsgAgentMetrics messages.
type AgentMetricsPayload struct {
	GUID          string  `json:"guid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// ResultCreatedPayload is the payload for MsgResultCreated messages.
type ResultCreatedPayload struct {
	GUID         string `json:"guid"`
	JobGUID      string `json:"job_guid,omitempty"`
	Tool         string `json:"tool"`
	Status       string `json:"status"`
	NoChangeCopy bool   `json:"no_change_copy,omitempty"`
}

// JobTopic returns the per-job topic name.
func JobTopic(jobGUID string) string { return "job:" + jobGUID }

// AgentTopic returns the per-agent topic name.
func AgentTopic(agentGUID string) string { return "agent:" + agentGUID }

// TeamTopic returns the team-wide firehose topic name.
func TeamTopic(teamGUID string) string { return "team:" + teamGUID }
