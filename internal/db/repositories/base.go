// Package repositories implements C1: ACID persistence of every aggregate
// in spec §3, one file per aggregate, following the teacher's
// internal/db/repositories convention (internal/db/repositories/base.go).
package repositories

import (
	"database/sql"

	"github.com/kagan-sh/kagan-core/internal/db"
)

// Repositories aggregates one repository per entity so services take a
// single dependency instead of wiring each repo individually.
type Repositories struct {
	Projects            *ProjectRepo
	Repos               *RepoRepo
	ProjectRepos        *ProjectRepoRepo
	Tasks               *TaskRepo
	TaskLinks           *TaskLinkRepo
	Workspaces          *WorkspaceRepo
	WorkspaceRepos      *WorkspaceRepoRepo
	Sessions            *SessionRepo
	Executions          *ExecutionRepo
	ExecutionLogs       *ExecutionLogRepo
	CodingAgentTurns    *CodingAgentTurnRepo
	ExecutionRepoStates *ExecutionRepoStateRepo
	Merges              *MergeRepo
	Jobs                *JobRepo
	JobEvents           *JobEventRepo
	JobAttempts         *JobAttemptRepo
	Audit               *AuditRepo
	Scratch             *ScratchRepo
	PlannerProposals    *PlannerProposalRepo

	db db.Database
}

// New wires one repository per aggregate against a shared connection.
func New(database db.Database) *Repositories {
	conn := database.Conn()
	return &Repositories{
		Projects:            NewProjectRepo(conn),
		Repos:               NewRepoRepo(conn),
		ProjectRepos:        NewProjectRepoRepo(conn),
		Tasks:               NewTaskRepo(conn),
		TaskLinks:           NewTaskLinkRepo(conn),
		Workspaces:          NewWorkspaceRepo(conn),
		WorkspaceRepos:      NewWorkspaceRepoRepo(conn),
		Sessions:            NewSessionRepo(conn),
		Executions:          NewExecutionRepo(conn),
		ExecutionLogs:       NewExecutionLogRepo(conn),
		CodingAgentTurns:    NewCodingAgentTurnRepo(conn),
		ExecutionRepoStates: NewExecutionRepoStateRepo(conn),
		Merges:              NewMergeRepo(conn),
		Jobs:                NewJobRepo(conn),
		JobEvents:           NewJobEventRepo(conn),
		JobAttempts:         NewJobAttemptRepo(conn),
		Audit:                NewAuditRepo(conn),
		Scratch:              NewScratchRepo(conn),
		PlannerProposals:     NewPlannerProposalRepo(conn),
		db:                   database,
	}
}

// BeginTx starts a database transaction for multi-repo atomic operations.
func (r *Repositories) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}
