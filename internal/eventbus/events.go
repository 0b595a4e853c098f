// Package eventbus implements C4: the in-process typed publish/subscribe bus
// every service (C5-C11) emits domain events on, grounded on the original's
// kagan.core.events module (the DomainEvent/EventBus/EventHandler protocol)
// and its InMemoryEventBus implementation in kagan.core.bootstrap.
package eventbus

import "time"

// DomainEvent is the marker interface every published event satisfies.
// EventType returns a stable string identifier usable in logs and the
// IPC event stream; OccurredAt is stamped by the publisher, not the bus.
type DomainEvent interface {
	EventType() string
}

// EventHandler is a synchronous, fire-and-forget subscriber. Per spec
// "Side effects" (services.md §Task Service): handlers never block or
// disrupt the publisher — any panic is recovered and logged by the bus.
type EventHandler func(DomainEvent)

// ProjectOpened fires when a project is activated/focused.
type ProjectOpened struct {
	ProjectID  string
	OccurredAt time.Time
}

func (ProjectOpened) EventType() string { return "project.opened" }

// TaskCreated fires after a task row is inserted.
type TaskCreated struct {
	TaskID     string
	ProjectID  string
	OccurredAt time.Time
}

func (TaskCreated) EventType() string { return "task.created" }

// TaskUpdated fires on any field mutation other than a pure status change
// handled by TaskStatusChanged.
type TaskUpdated struct {
	TaskID     string
	Fields     []string
	OccurredAt time.Time
}

func (TaskUpdated) EventType() string { return "task.updated" }

// TaskStatusChanged fires only when the new status differs from the old
// one (spec §Corrections: equal-status updates must not emit this event).
type TaskStatusChanged struct {
	TaskID     string
	OldStatus  string
	NewStatus  string
	OccurredAt time.Time
}

func (TaskStatusChanged) EventType() string { return "task.status_changed" }

// TaskDeleted fires after a task row (and its cascade-linked rows) is removed.
type TaskDeleted struct {
	TaskID     string
	ProjectID  string
	OccurredAt time.Time
}

func (TaskDeleted) EventType() string { return "task.deleted" }

// AutomationTaskStarted fires when the Automation Service claims a
// concurrency slot and spawns a worker for an AUTO task.
type AutomationTaskStarted struct {
	TaskID            string
	ExecutionProcessID string
	OccurredAt        time.Time
}

func (AutomationTaskStarted) EventType() string { return "automation.task_started" }

// AutomationAgentAttached fires once the coding agent subprocess is live
// and its structured event stream is being consumed.
type AutomationAgentAttached struct {
	TaskID            string
	ExecutionProcessID string
	AgentBackend      string
	OccurredAt        time.Time
}

func (AutomationAgentAttached) EventType() string { return "automation.agent_attached" }

// AutomationReviewAgentAttached fires when a review agent is spawned
// following the primary agent's completion.
type AutomationReviewAgentAttached struct {
	TaskID            string
	ExecutionProcessID string
	OccurredAt        time.Time
}

func (AutomationReviewAgentAttached) EventType() string {
	return "automation.review_agent_attached"
}

// AutomationTaskEnded fires when the worker for a task terminates, whether
// by natural completion, failure, or cancellation.
type AutomationTaskEnded struct {
	TaskID            string
	ExecutionProcessID string
	Success           bool
	OccurredAt        time.Time
}

func (AutomationTaskEnded) EventType() string { return "automation.task_ended" }

// ScriptCompleted fires when a repo lifecycle script (setup/cleanup) run
// by the Workspace Service finishes.
type ScriptCompleted struct {
	WorkspaceID string
	Script      string
	ExitCode    int
	OccurredAt  time.Time
}

func (ScriptCompleted) EventType() string { return "script.completed" }

// MergeCompleted fires after a successful Merge Service squash/branch merge.
type MergeCompleted struct {
	MergeID    string
	TaskID     string
	WorkspaceID string
	OccurredAt time.Time
}

func (MergeCompleted) EventType() string { return "merge.completed" }

// MergeFailed fires on a conflicted or otherwise failed merge attempt.
type MergeFailed struct {
	MergeID    string
	TaskID     string
	WorkspaceID string
	Reason     string
	OccurredAt time.Time
}

func (MergeFailed) EventType() string { return "merge.failed" }

// PRCreated fires when a merge's push is followed by a hosting-provider
// pull request creation (plugin-mediated, per C12).
type PRCreated struct {
	MergeID    string
	TaskID     string
	URL        string
	OccurredAt time.Time
}

func (PRCreated) EventType() string { return "pr.created" }
