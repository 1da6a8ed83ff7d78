// Package contracts defines the shared domain types of the workflow engine:
// applications, tasks, queries, audit events and the typed error taxonomy
// every component reports through.
package contracts

import (
	"encoding/json"
	"time"
)

// DisposalType is the terminal outcome of an application.
type DisposalType string

const (
	DisposalNone     DisposalType = ""
	DisposalApproved DisposalType = "APPROVED"
	DisposalRejected DisposalType = "REJECTED"
)

// Application is a citizen-submitted case moving through an officer chain.
// State and disposal fields are mutated only by the state machine executor;
// the payload is citizen-owned until submission.
type Application struct {
	ARN          string          `json:"arn"`
	AuthorityID  string          `json:"authority_id"`
	ServiceKey   string          `json:"service_key"`
	ApplicantID  string          `json:"applicant_id"`
	CurrentState string          `json:"current_state"`
	Disposal     DisposalType    `json:"disposal,omitempty"`
	DisposedAt   *time.Time      `json:"disposed_at,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Disposed reports whether the application has reached a terminal outcome.
func (a *Application) Disposed() bool {
	return a.Disposal != DisposalNone
}

// TaskStatus is the lifecycle of a single officer work item.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// Open reports whether the status counts against the
// one-open-task-per-application invariant.
func (s TaskStatus) Open() bool {
	return s == TaskPending || s == TaskInProgress
}

// Task is the single open work item for an application at a given state.
type Task struct {
	ID           string     `json:"id"`
	ARN          string     `json:"arn"`
	StateID      string     `json:"state_id"`
	RequiredRole string     `json:"required_role"`
	AssignedTo   string     `json:"assigned_to,omitempty"`
	Status       TaskStatus `json:"status"`
	SLADueAt     time.Time  `json:"sla_due_at"`
	Remarks      string     `json:"remarks,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// QueryStatus tracks the query loop sub-protocol.
type QueryStatus string

const (
	QueryOpen      QueryStatus = "OPEN"
	QueryResponded QueryStatus = "RESPONDED"
)

// Query pauses the main chain to request more information from the applicant.
// ResumeStateID and RaisedByRole snapshot where (and to whom) the application
// returns once the citizen responds.
type Query struct {
	ID            string      `json:"id"`
	ARN           string      `json:"arn"`
	Message       string      `json:"message"`
	Response      string      `json:"response,omitempty"`
	Status        QueryStatus `json:"status"`
	RaisedByID    string      `json:"raised_by_id"`
	RaisedByRole  string      `json:"raised_by_role"`
	ResumeStateID string      `json:"resume_state_id"`
	ResumeSLADays int         `json:"resume_sla_days"`
	CreatedAt     time.Time   `json:"created_at"`
	RespondedAt   *time.Time  `json:"responded_at,omitempty"`
}

// Notification is a durable outbound message record. Delivery is owned by an
// external collaborator; the engine only writes the rows.
type Notification struct {
	ID        string    `json:"id"`
	ARN       string    `json:"arn"`
	Recipient string    `json:"recipient"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification kinds written by the engine.
const (
	NotifySLABreach    = "SLA_BREACH"
	NotifyQueryRaised  = "QUERY_RAISED"
	NotifyDisposal     = "DISPOSAL"
	NotifyTaskAssigned = "TASK_ASSIGNED"
)
