package models

import "time"

// Event is one append-only record in the durable event log. Events are never
// mutated or reordered; Seq is the monotonic sequence position within the log.
type Event struct {
	Seq       int64             `json:"seq"`
	Timestamp time.Time         `json:"ts"`
	Type      string            `json:"type"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Pipeline lifecycle event types published by the sequencer.
const (
	EventRunStarted    = "run.started"
	EventRunPaused     = "run.paused"
	EventRunResumed    = "run.resumed"
	EventRunStopped    = "run.stopped"
	EventRunSucceeded  = "run.succeeded"
	EventRunFailed     = "run.failed"
	EventStageStarted  = "stage.started"
	EventStagePassed   = "stage.passed"
	EventStageFailed   = "stage.failed"
	EventStageSkipped  = "stage.skipped"
	EventStageRetried  = "stage.retried"
	EventStageApproved = "stage.approved"
	EventIteration     = "stage.iteration"
	EventAgentStalled  = "agent.stalled"
)

// DeadLetter is an event a consumer could not process, copied out of the main
// log path together with the reason so later events are never blocked.
type DeadLetter struct {
	Event         Event     `json:"event"`
	Raw           string    `json:"raw,omitempty"`
	Reason        string    `json:"reason"`
	Consumer      string    `json:"consumer,omitempty"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}
