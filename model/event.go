package model

import "time"

type EventType string

const EVENT_EXECUTION_STARTED EventType = "EXECUTION_STARTED"
const EVENT_EXECUTION_COMPLETED EventType = "EXECUTION_COMPLETED"
const EVENT_EXECUTION_FAILED EventType = "EXECUTION_FAILED"
const EVENT_EXECUTION_CANCELLED EventType = "EXECUTION_CANCELLED"
const EVENT_STEP_DISPATCHED EventType = "STEP_DISPATCHED"
const EVENT_STEP_SUCCEEDED EventType = "STEP_SUCCEEDED"
const EVENT_STEP_FAILED EventType = "STEP_FAILED"
const EVENT_STEP_SKIPPED EventType = "STEP_SKIPPED"
const EVENT_STEP_RETRIED EventType = "STEP_RETRIED"
const EVENT_STEP_SUSPENDED EventType = "STEP_SUSPENDED"
const EVENT_STEP_RESUMED EventType = "STEP_RESUMED"
const EVENT_STEP_TIMED_OUT EventType = "STEP_TIMED_OUT"
const EVENT_VARIABLE_COLLISION EventType = "VARIABLE_COLLISION"

// ExecutionEvent is one entry of an execution's audit trail.
type ExecutionEvent struct {
	Id          string         `json:"id"`
	ExecutionId string         `json:"executionId"`
	NodeId      string         `json:"nodeId,omitempty"`
	Type        EventType      `json:"type"`
	Detail      map[string]any `json:"detail,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
