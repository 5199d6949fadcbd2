package server

import (
	"swarmline/internal/domain"
	"swarmline/internal/engine"
)

// Request payloads

// SignedRequest is the envelope every worker-facing endpoint accepts: the
// payload travels inside the signature, the staking key is the claimed
// identity the signature is checked against.
type SignedRequest struct {
	Signature  string `json:"signature"`
	StakingKey string `json:"stakingKey"`
}

type ApplyOutcomeRequest struct {
	TaskID   string   `json:"task_id"`
	Round    int      `json:"round"`
	Positive []string `json:"positive,omitempty"`
	Negative []string `json:"negative,omitempty"`
}

type CreateBountyRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	RepoOwner   string `json:"repo_owner"`
	RepoName    string `json:"repo_name"`
	Prompt      string `json:"prompt,omitempty"`
}

type CreateItemRequest struct {
	Kind               string   `json:"kind" enum:"todo,issue"`
	ParentID           string   `json:"parent_id,omitempty"`
	BountyID           string   `json:"bounty_id,omitempty"`
	PredecessorID      string   `json:"predecessor_id,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	RepoOwner          string   `json:"repo_owner"`
	RepoName           string   `json:"repo_name"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	DependencyIDs      []string `json:"dependency_ids,omitempty"`
}

// Response payloads

type ClaimResponse struct {
	ID                 string   `json:"id"`
	Kind               string   `json:"kind"`
	Title              string   `json:"title,omitempty"`
	Description        string   `json:"description,omitempty"`
	Status             string   `json:"status"`
	RepoOwner          string   `json:"repo_owner"`
	RepoName           string   `json:"repo_name"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	DependencyPRUrls   []string `json:"dependency_pr_urls,omitempty"`
	BountyPrompt       string   `json:"bounty_prompt,omitempty"`
	ForkOwner          string   `json:"fork_owner,omitempty"`
	ForkURL            string   `json:"fork_url,omitempty"`
}

func claimResponse(res engine.ClaimResult) ClaimResponse {
	return ClaimResponse{
		ID:                 res.Item.ID,
		Kind:               res.Item.Kind,
		Title:              res.Item.Title,
		Description:        res.Item.Description,
		Status:             res.Item.Status,
		RepoOwner:          res.Item.RepoOwner,
		RepoName:           res.Item.RepoName,
		AcceptanceCriteria: res.Item.AcceptanceCriteria,
		DependencyPRUrls:   res.DependencyPRUrls,
		BountyPrompt:       res.BountyPrompt,
		ForkOwner:          res.ForkOwner,
		ForkURL:            res.ForkURL,
	}
}

type AssignmentResponse struct {
	ItemID         string  `json:"item_id"`
	Identity       string  `json:"identity"`
	GithubUsername string  `json:"github_username,omitempty"`
	Round          int     `json:"round"`
	TaskID         string  `json:"task_id"`
	PRUrl          *string `json:"pr_url,omitempty"`
	IsFinal        bool    `json:"is_final"`
	Approved       *bool   `json:"approved,omitempty"`
	ItemStatus     string  `json:"item_status"`
}

func assignmentResponse(a domain.Assignment, item domain.WorkItem) AssignmentResponse {
	return AssignmentResponse{
		ItemID:         a.ItemID,
		Identity:       a.Identity,
		GithubUsername: a.GithubUsername,
		Round:          a.Round,
		TaskID:         a.TaskID,
		PRUrl:          a.PRUrl,
		IsFinal:        a.IsFinal,
		Approved:       a.Approved,
		ItemStatus:     item.Status,
	}
}

type AckResponse struct {
	OK bool `json:"ok"`
}
