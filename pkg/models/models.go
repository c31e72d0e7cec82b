package models

import (
	"time"
)

// WorkStatus represents the lifecycle state of a work item
type WorkStatus string

const (
	WorkQueued    WorkStatus = "QUEUED"
	WorkClaimed   WorkStatus = "CLAIMED"
	WorkRunning   WorkStatus = "RUNNING"
	WorkSucceeded WorkStatus = "SUCCEEDED"
	WorkFailed    WorkStatus = "FAILED"
	WorkCancelled WorkStatus = "CANCELLED"
)

// Terminal returns true if the status is a final state
func (s WorkStatus) Terminal() bool {
	switch s {
	case WorkSucceeded, WorkFailed, WorkCancelled:
		return true
	default:
		return false
	}
}

// Well-known work item types. Type is an open string so collaborators can
// enqueue future types without a schema change.
const (
	WorkTypeTask      = "task"
	WorkTypeReview    = "review"
	WorkTypeDecompose = "decompose"
	WorkTypeLearnings = "learnings"
)

// WorkItem is a unit of schedulable work in the queue
type WorkItem struct {
	ID        string    `json:"id" gorm:"primarykey;size:36"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`

	// Classification
	Type   string     `json:"type" gorm:"not null;index;size:50"`
	Status WorkStatus `json:"status" gorm:"not null;index;default:'QUEUED'"`

	// Opaque JSON payload: roomId, agentId, prompt, userId plus type-specific fields
	Payload string `json:"payload" gorm:"type:text;not null"`

	// Graph linkage
	ChainID      string `json:"chain_id" gorm:"index;size:36"`       // Groups items descending from one PRD/request
	SourceItemID string `json:"source_item_id" gorm:"index;size:36"` // The item whose completion produced this one
	EpicID       string `json:"epic_id" gorm:"size:36"`
	RoomID       string `json:"room_id" gorm:"index;size:36"`
	AgentID      string `json:"agent_id" gorm:"size:36"`

	// Rework and retry bounds
	Iteration     int `json:"iteration" gorm:"default:0"`
	MaxIterations int `json:"max_iterations" gorm:"default:3"`
	Attempts      int `json:"attempts" gorm:"default:0"`
	MaxAttempts   int `json:"max_attempts" gorm:"default:3"`

	// Lease state
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" gorm:"index"`
	LeaseOwner     string     `json:"lease_owner" gorm:"size:64"`

	// Execution correlation
	RunID     string `json:"run_id" gorm:"index;size:64"`
	LastError string `json:"last_error" gorm:"type:text"`
}

// RunState represents the lifecycle state of a single provider invocation
type RunState string

const (
	RunQueued     RunState = "QUEUED"
	RunInProgress RunState = "INPROGRESS"
	RunSucceeded  RunState = "SUCCEEDED"
	RunFailed     RunState = "FAILED"
	RunCancelled  RunState = "CANCELLED"
)

// Terminal returns true if the run state is final
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// AgentRun records the lifecycle of one provider invocation, correlated 1:1
// with a work item via its run ID
type AgentRun struct {
	ID        string    `json:"id" gorm:"primarykey;size:64"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RoomID  string `json:"room_id" gorm:"index;size:36"`
	AgentID string `json:"agent_id" gorm:"index;size:36"`
	UserID  string `json:"user_id" gorm:"size:36"`

	State RunState `json:"state" gorm:"not null;index;default:'QUEUED'"`

	// Provider selection recorded once a candidate is chosen
	ProviderKey  string `json:"provider_key" gorm:"size:64"`
	ProviderType string `json:"provider_type" gorm:"size:32"`
	Model        string `json:"model" gorm:"size:128"`

	ErrorMessage string     `json:"error_message,omitempty" gorm:"type:text"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Message is a persisted chat message. Agent responses share their ID with the
// run that produced them so streamed partial output lands on the same row.
type Message struct {
	ID        string    `json:"id" gorm:"primarykey;size:64"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`

	RoomID     string `json:"room_id" gorm:"index;not null;size:36"`
	AuthorID   string `json:"author_id" gorm:"size:36"`
	AuthorType string `json:"author_type" gorm:"size:16;default:'agent'"`
	UserID     string `json:"user_id" gorm:"size:36"`

	Content string `json:"content" gorm:"type:text"`
}

// Agent is an AI agent identity that work items are addressed to
type Agent struct {
	ID        string    `json:"id" gorm:"primarykey;size:36"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name         string `json:"name" gorm:"not null;size:128"`
	Harness      string `json:"harness" gorm:"not null;size:64"` // Logical agent kind used for provider resolution
	SystemPrompt string `json:"system_prompt" gorm:"type:text"`
	Status       string `json:"status" gorm:"size:32;default:'idle'"`
}

// Room is a workspace conversation that agents and work items belong to
type Room struct {
	ID        string    `json:"id" gorm:"primarykey;size:36"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name   string `json:"name" gorm:"not null;size:255"`
	UserID string `json:"user_id" gorm:"index;size:36"`
}

// RoomAgent links an agent into a room
type RoomAgent struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`

	RoomID  string `json:"room_id" gorm:"uniqueIndex:idx_room_agent;not null;size:36"`
	AgentID string `json:"agent_id" gorm:"uniqueIndex:idx_room_agent;not null;size:36"`
}

// PRDStatus represents the decomposition state machine of a PRD
type PRDStatus string

const (
	PRDDraft       PRDStatus = "DRAFT"
	PRDDecomposing PRDStatus = "DECOMPOSING"
	PRDActive      PRDStatus = "ACTIVE"
	PRDCompleted   PRDStatus = "COMPLETED"
)

// PRD is a product requirements document that gets decomposed into tasks
type PRD struct {
	ID        string    `json:"id" gorm:"primarykey;size:36"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RoomID  string    `json:"room_id" gorm:"index;not null;size:36"`
	Title   string    `json:"title" gorm:"not null;size:255"`
	Content string    `json:"content" gorm:"type:text"`
	Status  PRDStatus `json:"status" gorm:"not null;index;default:'DRAFT'"`
}

// Epic groups tasks produced by decomposing one PRD
type Epic struct {
	ID        string    `json:"id" gorm:"primarykey;size:36"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PRDID    string `json:"prd_id" gorm:"index;not null;size:36"`
	Title    string `json:"title" gorm:"not null;size:255"`
	Status   string `json:"status" gorm:"size:32;default:'open'"`
	Position int    `json:"position" gorm:"default:0"`
}

// KnowledgeItem is a learning extracted from a completed PRD chain
type KnowledgeItem struct {
	ID        string    `json:"id" gorm:"primarykey;size:36"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RoomID  string `json:"room_id" gorm:"index;size:36"`
	AgentID string `json:"agent_id" gorm:"size:36"`

	Kind    string `json:"kind" gorm:"size:64"`
	Title   string `json:"title" gorm:"not null;size:255"`
	Content string `json:"content" gorm:"type:text;not null"`
	Tags    string `json:"tags" gorm:"type:text"` // JSON array of strings
}

// ProviderUsage is a per-provider rolling window message counter. It is
// store-backed so quota accounting holds across orchestrator instances.
type ProviderUsage struct {
	ProviderKey     string    `json:"provider_key" gorm:"primarykey;size:64"`
	WindowStartedAt time.Time `json:"window_started_at" gorm:"not null"`
	WindowSeconds   int       `json:"window_seconds" gorm:"not null"`
	MessagesUsed    int       `json:"messages_used" gorm:"not null;default:0"`
	MessagesLimit   int       `json:"messages_limit" gorm:"not null;default:0"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// WindowEnd returns the instant the current usage window elapses
func (u *ProviderUsage) WindowEnd() time.Time {
	return u.WindowStartedAt.Add(time.Duration(u.WindowSeconds) * time.Second)
}

// IdempotencyKey records a stable hash of already-applied graph expansions so
// repeated completion hooks never double-enqueue
type IdempotencyKey struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`

	Scope string `json:"scope" gorm:"uniqueIndex:idx_idem_scope_key;not null;size:64"`
	Key   string `json:"key" gorm:"uniqueIndex:idx_idem_scope_key;not null;size:128"`
	Ref   string `json:"ref" gorm:"size:64"` // ID of the row the key protects, for debugging
}

// OrchestratorInstance is a liveness heartbeat row per running orchestrator
type OrchestratorInstance struct {
	ID         string    `json:"id" gorm:"primarykey;size:64"`
	StartedAt  time.Time `json:"started_at"`
	LastSeenAt time.Time `json:"last_seen_at" gorm:"index"`
}
