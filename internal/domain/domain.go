package domain

// WorkItem kinds. A todo belongs to an issue; an issue belongs to a bounty.
const (
	KindTodo  = "todo"
	KindIssue = "issue"
)

// WorkItem statuses. Todos and issues share one lifecycle table; not every
// kind uses every status.
const (
	StatusInitialized       = "initialized"
	StatusAggregatorPending = "aggregator_pending"
	StatusAssignPending     = "assign_pending"
	StatusInProgress        = "in_progress"
	StatusDraftSubmitted    = "draft_submitted"
	StatusInReview          = "in_review"
	StatusApproved          = "approved"
	StatusSubmitted         = "submitted"
	StatusMerged            = "merged"
	StatusFailed            = "failed"
)

// Bounty statuses reported to the external bounty tracker.
const (
	BountyStatusInProgress = "in_progress"
	BountyStatusCompleted  = "completed"
	BountyStatusFailed     = "failed"
)

type WorkItem struct {
	ID                 string       `json:"id"`
	Kind               string       `json:"kind" enum:"todo,issue"`
	ParentID           *string      `json:"parent_id,omitempty"`
	BountyID           *string      `json:"bounty_id,omitempty"`
	PredecessorID      *string      `json:"predecessor_id,omitempty"`
	Title              string       `json:"title,omitempty"`
	Description        string       `json:"description,omitempty"`
	Status             string       `json:"status"`
	RepoOwner          string       `json:"repo_owner"`
	RepoName           string       `json:"repo_name"`
	AcceptanceCriteria []string     `json:"acceptance_criteria,omitempty"`
	DependencyIDs      []string     `json:"dependency_ids,omitempty"`
	Assignments        []Assignment `json:"assignments,omitempty"`
	CreatedAt          string       `json:"created_at" format:"date-time"`
	UpdatedAt          string       `json:"updated_at" format:"date-time"`
}

// Assignment is one identity's attempt at a WorkItem during one round.
// Rows are append-only; audit outcomes mutate Approved and PRUrl in place.
type Assignment struct {
	ItemID         string  `json:"item_id"`
	Identity       string  `json:"identity"`
	GithubUsername string  `json:"github_username"`
	Round          int     `json:"round"`
	TaskID         string  `json:"task_id"`
	PRUrl          *string `json:"pr_url,omitempty"`
	IsFinal        bool    `json:"is_final"`
	Approved       *bool   `json:"approved,omitempty"`
	FailedReason   string  `json:"failed_reason,omitempty"`
	FailedFeedback string  `json:"failed_feedback,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Bounty struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	RepoOwner   string `json:"repo_owner"`
	RepoName    string `json:"repo_name"`
	ForkOwner   string `json:"fork_owner,omitempty"`
	ForkURL     string `json:"fork_url,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// AuditRound records an applied voting-round outcome. Its presence is the
// idempotence guard for outcome application.
type AuditRound struct {
	TaskID    string   `json:"task_id"`
	Round     int      `json:"round"`
	Positive  []string `json:"positive"`
	Negative  []string `json:"negative"`
	AppliedAt string   `json:"applied_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
