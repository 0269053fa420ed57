// Package events implements the real-time event stream for workflow
// execution. A process-wide Bus fans stage updates, log lines, and tool
// call records out to SSE and WebSocket subscribers, with per-thread
// history replay for late joiners.
package events

import (
	"encoding/json"
	"time"
)

// Event types
const (
	TypeStageUpdate = "stage_update"
	TypeLog         = "log"
	TypeToolCall    = "tool_call"
	TypeConnected   = "connected"
	TypeHeartbeat   = "heartbeat"
)

// Stage statuses carried by stage_update events
const (
	StatusStarted          = "started"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusWorkflowComplete = "workflow_complete"
)

// WorkflowStage is the synthetic stage name used for the final
// workflow_complete event.
const WorkflowStage = "WORKFLOW"

// Event is a single entry in a workflow's event stream. The wire shape
// depends on Type; MarshalJSON emits exactly the fields each variant
// carries so consumers can switch on "type".
type Event struct {
	Type      string
	ThreadID  string
	Stage     string
	Status    string
	Data      map[string]interface{}
	Level     string
	Message   string
	LogType   string
	Details   map[string]interface{}
	ToolName  string
	Server    string
	Params    map[string]interface{}
	Result    map[string]interface{}
	Timestamp string
}

// NewStageUpdate builds a stage_update event.
func NewStageUpdate(threadID, stage, status string, data map[string]interface{}) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{
		Type:      TypeStageUpdate,
		ThreadID:  threadID,
		Stage:     stage,
		Status:    status,
		Data:      data,
		Timestamp: now(),
	}
}

// NewWorkflowComplete builds the terminal stage_update event. It is the
// last event a thread ever emits; transports close their streams after
// delivering it.
func NewWorkflowComplete(threadID, finalStatus string, data map[string]interface{}) Event {
	merged := map[string]interface{}{"final_status": finalStatus}
	for k, v := range data {
		merged[k] = v
	}
	return NewStageUpdate(threadID, WorkflowStage, StatusWorkflowComplete, merged)
}

// NewLog builds a log event for streaming execution detail to the UI.
func NewLog(threadID, level, message, stage, logType string, details map[string]interface{}) Event {
	if logType == "" {
		logType = "info"
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	return Event{
		Type:      TypeLog,
		ThreadID:  threadID,
		Level:     level,
		Message:   message,
		Stage:     stage,
		LogType:   logType,
		Details:   details,
		Timestamp: now(),
	}
}

// NewToolCall builds a tool_call event tracking a tool invocation.
func NewToolCall(threadID, stage, toolName, server, status string, params, result map[string]interface{}) Event {
	if params == nil {
		params = map[string]interface{}{}
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	return Event{
		Type:      TypeToolCall,
		ThreadID:  threadID,
		Stage:     stage,
		ToolName:  toolName,
		Server:    server,
		Params:    params,
		Result:    result,
		Status:    status,
		Timestamp: now(),
	}
}

// NewConnected builds the welcome event sent once per subscription,
// after history replay and before live events.
func NewConnected(threadID string) Event {
	return Event{
		Type:      TypeConnected,
		ThreadID:  threadID,
		Timestamp: now(),
	}
}

// NewHeartbeat builds a keep-alive event.
func NewHeartbeat() Event {
	return Event{
		Type:      TypeHeartbeat,
		Timestamp: now(),
	}
}

// IsWorkflowComplete reports whether this event terminates the stream.
func (e Event) IsWorkflowComplete() bool {
	return e.Type == TypeStageUpdate && e.Status == StatusWorkflowComplete
}

// MarshalJSON emits the per-variant wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{
		"type":      e.Type,
		"timestamp": e.Timestamp,
	}

	switch e.Type {
	case TypeStageUpdate:
		m["thread_id"] = e.ThreadID
		m["stage"] = e.Stage
		m["status"] = e.Status
		m["data"] = orEmpty(e.Data)
	case TypeLog:
		m["thread_id"] = e.ThreadID
		m["level"] = e.Level
		m["message"] = e.Message
		m["stage"] = e.Stage
		m["log_type"] = e.LogType
		m["details"] = orEmpty(e.Details)
	case TypeToolCall:
		m["thread_id"] = e.ThreadID
		m["stage"] = e.Stage
		m["tool_name"] = e.ToolName
		m["server"] = e.Server
		m["params"] = orEmpty(e.Params)
		m["result"] = orEmpty(e.Result)
		m["status"] = e.Status
	case TypeConnected:
		m["thread_id"] = e.ThreadID
	case TypeHeartbeat:
		// type and timestamp only
	}

	return json.Marshal(m)
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
