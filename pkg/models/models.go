// Package models defines the persisted entities of spec §3. These are the
// types repositories hydrate and services operate on; IPC-facing DTOs live
// in pkg/kaganapi and are built from these where the wire shape differs.
package models

import "time"

type TaskStatus string

const (
	TaskBacklog    TaskStatus = "BACKLOG"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskReview     TaskStatus = "REVIEW"
	TaskDone       TaskStatus = "DONE"
)

type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityMedium TaskPriority = "MEDIUM"
	PriorityHigh   TaskPriority = "HIGH"
)

type TaskType string

const (
	TaskTypePair TaskType = "PAIR"
	TaskTypeAuto TaskType = "AUTO"
)

type TerminalBackend string

const (
	TerminalTmux   TerminalBackend = "tmux"
	TerminalVSCode TerminalBackend = "vscode"
	TerminalCursor TerminalBackend = "cursor"
)

type WorkspaceStatus string

const (
	WorkspaceActive   WorkspaceStatus = "ACTIVE"
	WorkspaceArchived WorkspaceStatus = "ARCHIVED"
	WorkspaceDeleted  WorkspaceStatus = "DELETED"
)

type SessionType string

const (
	SessionTMUX   SessionType = "TMUX"
	SessionScript SessionType = "SCRIPT"
	SessionACP    SessionType = "ACP"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionClosed SessionStatus = "CLOSED"
	SessionFailed SessionStatus = "FAILED"
)

type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "PENDING"
	ExecRunning   ExecutionStatus = "RUNNING"
	ExecSucceeded ExecutionStatus = "SUCCEEDED"
	ExecFailed    ExecutionStatus = "FAILED"
	ExecCancelled ExecutionStatus = "CANCELLED"
)

type MergeType string

const (
	MergeDirect MergeType = "DIRECT"
	MergeSquash MergeType = "SQUASH"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// TerminalJobStatuses is the terminal set T referenced throughout spec §4.9
// and §8: once a job enters one of these, no further transition applies.
var TerminalJobStatuses = map[JobStatus]bool{
	JobSucceeded: true,
	JobFailed:    true,
	JobCancelled: true,
}

func (s JobStatus) Terminal() bool { return TerminalJobStatuses[s] }

type PlannerProposalStatus string

const (
	PlannerDraft     PlannerProposalStatus = "DRAFT"
	PlannerApproved  PlannerProposalStatus = "APPROVED"
	PlannerDismissed PlannerProposalStatus = "DISMISSED"
)

type Project struct {
	ID           string
	Name         string
	Description  string
	LastOpenedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Repo struct {
	ID                string
	Name              string
	Path              string
	DisplayName       *string
	DefaultWorkingDir *string
	DefaultBranch     string
	Scripts           map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type ProjectRepo struct {
	ProjectID    string
	RepoID       string
	IsPrimary    bool
	DisplayOrder int
}

type Task struct {
	ID                 string
	ProjectID          string
	ParentID           *string
	Title              string
	Description        string
	Status             TaskStatus
	Priority           TaskPriority
	TaskType           TaskType
	TerminalBackend    *TerminalBackend
	AgentBackend       *string
	BaseBranch         *string
	AcceptanceCriteria []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type TaskLink struct {
	TaskID    string
	RefTaskID string
}

type Workspace struct {
	ID        string
	ProjectID string
	TaskID    *string
	BranchName string
	Path      string
	Status    WorkspaceStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type WorkspaceRepo struct {
	ID           string
	WorkspaceID  string
	RepoID       string
	TargetBranch string
	WorktreePath *string
}

type Session struct {
	ID          string
	WorkspaceID string
	SessionType SessionType
	Status      SessionStatus
	ExternalID  *string
	StartedAt   time.Time
	EndedAt     *time.Time
}

type ExecutionProcess struct {
	ID             string
	SessionID      string
	RunReason      string
	ExecutorAction map[string]any
	Status         ExecutionStatus
	ExitCode       *int
	Dropped        bool
	StartedAt      time.Time
	CompletedAt    *time.Time
	Error          *string
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ExecutionProcessLog struct {
	ID                 string
	ExecutionProcessID string
	Logs               string
	ByteSize           int
	InsertedAt         time.Time
}

type CodingAgentTurn struct {
	ID                 string
	ExecutionProcessID string
	AgentSessionID     *string
	Prompt             *string
	Summary            *string
	Seen               bool
	AgentMessageID     *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type ExecutionProcessRepoState struct {
	ID                 string
	ExecutionProcessID string
	RepoID             string
	BeforeHeadCommit   *string
	AfterHeadCommit    *string
	MergeCommit        *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Merge struct {
	ID               string
	WorkspaceID      string
	RepoID           string
	MergeType        MergeType
	TargetBranchName string
	MergeCommit      *string
	PRURL            *string
	PRNumber         *int
	PRStatus         *string
	PRMergedAt       *time.Time
	PRMergeCommitSHA *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Job struct {
	ID                string
	TaskID            string
	Action            string
	Status            JobStatus
	Params            map[string]any
	Result            map[string]any
	Message           *string
	Code              *string
	LastAttemptNumber int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FinishedAt        *time.Time
}

type JobEventRecord struct {
	ID         string
	JobID      string
	TaskID     string
	EventIndex int
	Status     JobStatus
	Message    *string
	Code       *string
	CreatedAt  time.Time
}

type JobAttempt struct {
	ID            string
	JobID         string
	AttemptNumber int
	Status        JobStatus
	StartedAt     time.Time
	FinishedAt    *time.Time
	Message       *string
	Code          *string
	Result        map[string]any
}

type AuditEvent struct {
	ID          string
	OccurredAt  time.Time
	ActorType   string
	ActorID     string
	SessionID   *string
	Capability  string
	CommandName string
	PayloadJSON map[string]any
	ResultJSON  map[string]any
	Success     bool
}

type PlannerProposal struct {
	ID         string
	ProjectID  string
	RepoID     *string
	TasksJSON  []any
	TodosJSON  []any
	Status     PlannerProposalStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ScratchType string

const (
	ScratchWorkspaceNotes ScratchType = "WORKSPACE_NOTES"
	ScratchTaskPad        ScratchType = "TASK_SCRATCHPAD"
	ScratchMergeFailure   ScratchType = "MERGE_FAILURE"
	ScratchPluginLease    ScratchType = "PLUGIN_LEASE"
)

type Scratch struct {
	ID          string
	ScratchType ScratchType
	LookupKey   string
	Payload     map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
