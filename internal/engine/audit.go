package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"swarmline/internal/domain"
	"swarmline/internal/events"
	"swarmline/internal/repo"
)

// OutcomeSummary reports what one round application changed.
type OutcomeSummary struct {
	Applied        bool     `json:"applied"`
	ApprovedTodos  int      `json:"approved_todos"`
	RejectedTodos  int      `json:"rejected_todos"`
	PromotedIssues int      `json:"promoted_issues"`
	MergedIssues   int      `json:"merged_issues"`
	ClosedIssues   int      `json:"closed_issues"`
	BountyPRs      []string `json:"bounty_prs,omitempty"`
}

// ApplyRoundOutcome applies one voting round's verdicts: todo-level outcomes
// first, then parent-issue promotion, then issue-level verdicts, then the
// bounty completion cascade. The audit_rounds insert is the idempotence
// guard; a round already recorded is a no-op. GitHub and webhook failures are
// logged and never undo state already committed.
func (e Engine) ApplyRoundOutcome(ctx context.Context, taskID string, round int, positive, negative []string) (OutcomeSummary, error) {
	err := e.Repo.RecordAuditRound(ctx, domain.AuditRound{
		TaskID:    taskID,
		Round:     round,
		Positive:  positive,
		Negative:  negative,
		AppliedAt: e.nowStr(),
	})
	if errors.Is(err, repo.ErrRoundApplied) {
		return OutcomeSummary{Applied: false}, nil
	}
	if err != nil {
		return OutcomeSummary{}, err
	}

	verdicts := make(map[string]bool, len(positive)+len(negative))
	for _, id := range negative {
		verdicts[id] = false
	}
	// An identity listed in both sets resolves positive.
	for _, id := range positive {
		verdicts[id] = true
	}

	summary := OutcomeSummary{Applied: true}

	if err := e.applyTodoVerdicts(ctx, round, verdicts, &summary); err != nil {
		return summary, err
	}
	mergedIssues, err := e.applyIssueVerdicts(ctx, round, verdicts, &summary)
	if err != nil {
		return summary, err
	}
	if err := e.completeBounties(ctx, mergedIssues, &summary); err != nil {
		return summary, err
	}
	return summary, nil
}

func (e Engine) applyTodoVerdicts(ctx context.Context, round int, verdicts map[string]bool, summary *OutcomeSummary) error {
	todos, err := e.Repo.ItemsWithAssignmentAtRound(ctx, domain.KindTodo, round)
	if err != nil {
		return err
	}
	parents := make(map[string]struct{})
	for _, item := range todos {
		a, err := e.Repo.FindAssignmentForItem(ctx, item.ID, round)
		if err != nil {
			return err
		}
		approved, voted := verdicts[a.Identity]
		if !voted {
			continue
		}
		err = e.withTx(ctx, func(tx *sql.Tx) error {
			now := e.now()
			if err := e.Repo.SetAuditOutcome(ctx, tx, item.ID, a.Identity, round, approved); err != nil {
				return err
			}
			if approved {
				if err := e.Repo.SetStatus(ctx, tx, item.ID, domain.StatusApproved, now); err != nil {
					return err
				}
			} else {
				total, _, err := e.Repo.CountAttempts(ctx, tx, item.ID)
				if err != nil {
					return err
				}
				next := domain.StatusInitialized
				if total >= e.Config.Assignment.MaxAttempts {
					next = domain.StatusFailed
				}
				if err := e.Repo.SetStatus(ctx, tx, item.ID, next, now); err != nil {
					return err
				}
			}
			return e.Events.Append(ctx, tx, "audit.todo", domain.KindTodo, item.ID, a.Identity, events.EventPayload{
				"round":    round,
				"approved": approved,
			})
		})
		if err != nil {
			return err
		}
		if approved {
			summary.ApprovedTodos++
			if item.ParentID != nil {
				parents[*item.ParentID] = struct{}{}
			}
		} else {
			summary.RejectedTodos++
		}
	}
	return e.promoteIssues(ctx, parents, summary)
}

// promoteIssues moves an in-progress issue to assign_pending once every child
// todo is approved, making it claimable for the aggregation PR.
func (e Engine) promoteIssues(ctx context.Context, parents map[string]struct{}, summary *OutcomeSummary) error {
	for parentID := range parents {
		done, err := e.Repo.AllChildrenHaveStatus(ctx, parentID, domain.StatusApproved)
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		err = e.withTx(ctx, func(tx *sql.Tx) error {
			err := e.Repo.SetStatusIf(ctx, tx, parentID, domain.StatusAssignPending, e.now(), domain.StatusInProgress)
			if errors.Is(err, repo.ErrNotFound) {
				return nil // already past in_progress
			}
			if err != nil {
				return err
			}
			summary.PromotedIssues++
			return e.Events.Append(ctx, tx, "issue.ready_to_assemble", domain.KindIssue, parentID, "", nil)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) applyIssueVerdicts(ctx context.Context, round int, verdicts map[string]bool, summary *OutcomeSummary) ([]domain.WorkItem, error) {
	issues, err := e.Repo.ItemsWithAssignmentAtRound(ctx, domain.KindIssue, round)
	if err != nil {
		return nil, err
	}
	var merged []domain.WorkItem
	for _, item := range issues {
		a, err := e.Repo.FindAssignmentForItem(ctx, item.ID, round)
		if err != nil {
			return nil, err
		}
		approved, voted := verdicts[a.Identity]
		if !voted {
			continue
		}
		prURL := ""
		if a.PRUrl != nil {
			prURL = *a.PRUrl
		}
		err = e.withTx(ctx, func(tx *sql.Tx) error {
			now := e.now()
			if err := e.Repo.SetAuditOutcome(ctx, tx, item.ID, a.Identity, round, approved); err != nil {
				return err
			}
			if approved {
				if err := e.Repo.SetStatus(ctx, tx, item.ID, domain.StatusApproved, now); err != nil {
					return err
				}
				return e.Repo.SetStatusByParent(ctx, tx, item.ID, domain.StatusMerged, now)
			}
			total, _, err := e.Repo.CountAttempts(ctx, tx, item.ID)
			if err != nil {
				return err
			}
			next := domain.StatusAssignPending
			if total >= e.Config.Assignment.MaxAttempts {
				next = domain.StatusFailed
			}
			return e.Repo.SetStatus(ctx, tx, item.ID, next, now)
		})
		if err != nil {
			return nil, err
		}
		if approved {
			summary.MergedIssues++
			merged = append(merged, item)
			if prURL != "" && e.Forge != nil {
				if err := e.Forge.MergePullRequest(ctx, prURL); err != nil {
					log.Printf("engine: merge %s: %v", prURL, err)
				}
			}
		} else {
			summary.ClosedIssues++
			if prURL != "" && e.Forge != nil {
				if err := e.Forge.ClosePullRequest(ctx, prURL); err != nil {
					log.Printf("engine: close %s: %v", prURL, err)
				}
			}
		}
	}
	return merged, nil
}

// completeBounties opens the consolidated PR against the source repo once
// every issue of a bounty is approved. The submitted marker on the issues is
// what makes this once-only: a later round sees no approved issues left.
func (e Engine) completeBounties(ctx context.Context, issues []domain.WorkItem, summary *OutcomeSummary) error {
	seen := make(map[string]struct{})
	for _, issue := range issues {
		if issue.BountyID == nil {
			continue
		}
		bountyID := *issue.BountyID
		if _, dup := seen[bountyID]; dup {
			continue
		}
		seen[bountyID] = struct{}{}

		done, err := e.Repo.AllIssuesHaveStatus(ctx, bountyID, domain.StatusApproved)
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		b, err := e.Repo.GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		prURL := ""
		if e.Forge != nil {
			body, err := e.bountyPRBody(ctx, b)
			if err != nil {
				return err
			}
			head := "main"
			if b.ForkOwner != "" {
				head = b.ForkOwner + ":main"
			}
			prURL, err = e.Forge.CreatePullRequest(ctx, b.RepoOwner, b.RepoName, b.Title, body, head, "main")
			if err != nil {
				log.Printf("engine: create source PR for bounty %s: %v", bountyID, err)
				continue // leave issues approved; a later round retries
			}
		}
		err = e.withTx(ctx, func(tx *sql.Tx) error {
			now := e.now()
			if err := e.Repo.MarkBountyIssuesSubmitted(ctx, tx, bountyID, now); err != nil {
				return err
			}
			if err := e.Repo.SetBountyStatus(ctx, tx, bountyID, domain.BountyStatusCompleted, now); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "bounty.completed", "bounty", bountyID, "", events.EventPayload{
				"pr_url": prURL,
			})
		})
		if err != nil {
			return err
		}
		summary.BountyPRs = append(summary.BountyPRs, prURL)
		e.notifier().UpdateBountyStatus(ctx, bountyID, domain.BountyStatusCompleted)
		e.notifier().PostMessage(ctx, fmt.Sprintf("bounty %s completed: %s", b.Title, prURL))
	}
	return nil
}

func (e Engine) bountyPRBody(ctx context.Context, b domain.Bounty) (string, error) {
	issues, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{Kind: domain.KindIssue, BountyID: b.ID})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(b.Description)
	sb.WriteString("\n\n")
	for _, issue := range issues {
		url, err := e.Repo.AnyPRUrl(ctx, issue.ID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "- %s", issue.Title)
		if url != "" {
			fmt.Fprintf(&sb, " (%s)", url)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
