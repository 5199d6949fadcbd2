// Package engine holds the assignment lifecycle: claims, submissions,
// failures and the exhaustion sweep. Every transition goes through a
// transaction whose conditional update re-checks the precondition, so two
// racing callers cannot both win.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"swarmline/internal/config"
	"swarmline/internal/domain"
	"swarmline/internal/events"
	"swarmline/internal/forge"
	"swarmline/internal/gate"
	"swarmline/internal/notify"
	"swarmline/internal/repo"
)

// ErrConflict marks expected contention: no eligible work, a lost claim race,
// or a state precondition that no longer holds. Callers surface it as a
// retryable condition, not a failure.
var ErrConflict = errors.New("conflict")

// defaultClaimTimeout bounds stale-assignment reclamation when neither the
// config nor the stake authority supplies a round duration.
const defaultClaimTimeout = 30 * time.Minute

// claimRetries bounds how many candidates a single claim call will race for
// before giving up with ErrConflict.
const claimRetries = 3

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Gate      *gate.Gate
	Authority gate.Authority
	Forge     forge.Client
	Notify    notify.Notifier
	Now       func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) notifier() notify.Notifier {
	if e.Notify != nil {
		return e.Notify
	}
	return notify.Noop{}
}

// claimTimeout resolves the stale-assignment window: explicit config wins,
// then the task's round duration from the stake authority, then a fixed
// fallback when the authority is unreachable.
func (e Engine) claimTimeout(ctx context.Context, taskID string) time.Duration {
	if d := e.Config.ClaimTimeout(0); d > 0 {
		return d
	}
	if e.Authority != nil && taskID != "" {
		d, err := e.Repo.RoundDuration(ctx, taskID, e.Authority.RoundDurationMS)
		if err == nil && d > 0 {
			return d
		}
		if err != nil {
			log.Printf("engine: round duration for task %s: %v", taskID, err)
		}
	}
	return defaultClaimTimeout
}

type ClaimRequest struct {
	Identity       string
	GithubUsername string
	TaskID         string
	Round          int
}

// ClaimResult is everything a worker needs to start: the item, artifact
// references from approved dependencies, and the bounty context.
type ClaimResult struct {
	Item             domain.WorkItem
	DependencyPRUrls []string
	BountyPrompt     string
	ForkOwner        string
	ForkURL          string
}

// ClaimNext assigns the next eligible todo to the caller. An identity that
// still holds the item's live claim for this round gets the same item back
// until it records a PR; once the claim goes stale or another worker reclaims
// the item, the round is spent.
func (e Engine) ClaimNext(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if _, err := e.SweepExhausted(ctx, domain.KindTodo); err != nil {
		log.Printf("engine: exhaustion sweep: %v", err)
	}

	staleBefore := e.now().Add(-e.claimTimeout(ctx, req.TaskID))
	existing, err := e.Repo.FindAssignment(ctx, domain.KindTodo, req.Identity, req.Round)
	if err == nil {
		if existing.PRUrl != nil {
			return ClaimResult{}, fmt.Errorf("%w: round %d already has a submission", ErrConflict, req.Round)
		}
		item, err := e.Repo.GetWorkItem(ctx, existing.ItemID)
		if err != nil {
			return ClaimResult{}, err
		}
		if !holdsItem(item, req.Identity, req.Round, staleBefore) {
			return ClaimResult{}, fmt.Errorf("%w: round %d assignment is no longer current", ErrConflict, req.Round)
		}
		return e.buildClaimResult(ctx, item)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return ClaimResult{}, err
	}

	for attempt := 0; attempt < claimRetries; attempt++ {
		candidate, err := e.Repo.NextEligibleTodo(ctx, req.Identity, req.GithubUsername, staleBefore)
		if errors.Is(err, repo.ErrNotFound) {
			return ClaimResult{}, fmt.Errorf("%w: no eligible work items", ErrConflict)
		}
		if err != nil {
			return ClaimResult{}, err
		}
		claimed, err := e.claimTx(ctx, candidate.ID, staleBefore, req)
		if errors.Is(err, repo.ErrNotFound) {
			continue // lost the race, try the next candidate
		}
		if err != nil {
			return ClaimResult{}, err
		}
		return e.buildClaimResult(ctx, claimed)
	}
	return ClaimResult{}, fmt.Errorf("%w: claim contention, retry", ErrConflict)
}

func (e Engine) claimTx(ctx context.Context, itemID string, staleBefore time.Time, req ClaimRequest) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	a := domain.Assignment{
		ItemID:         itemID,
		Identity:       req.Identity,
		GithubUsername: req.GithubUsername,
		Round:          req.Round,
		TaskID:         req.TaskID,
	}
	if err := e.Repo.ClaimWorkItem(ctx, tx, itemID, staleBefore, a, e.now()); err != nil {
		return domain.WorkItem{}, err
	}
	err = e.Events.Append(ctx, tx, "todo.claimed", domain.KindTodo, itemID, req.Identity, events.EventPayload{
		"round":   req.Round,
		"task_id": req.TaskID,
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return e.Repo.GetWorkItem(ctx, itemID)
}

// holdsItem reports whether identity's round assignment is still the item's
// live claim: the item is being worked, the claim is within the stale window,
// and no later assignment displaced it. A displaced or expired claim must not
// resume, or two workers would hold the same item.
func holdsItem(item domain.WorkItem, identity string, round int, staleBefore time.Time) bool {
	if item.Status != domain.StatusInProgress {
		return false
	}
	updated, err := time.Parse(time.RFC3339, item.UpdatedAt)
	if err != nil || updated.Before(staleBefore) {
		return false
	}
	if len(item.Assignments) == 0 {
		return false
	}
	last := item.Assignments[len(item.Assignments)-1]
	return last.Identity == identity && last.Round == round
}

func (e Engine) buildClaimResult(ctx context.Context, item domain.WorkItem) (ClaimResult, error) {
	res := ClaimResult{Item: item}
	for _, dep := range item.DependencyIDs {
		url, err := e.Repo.ApprovedPRUrl(ctx, dep)
		if err != nil {
			return ClaimResult{}, err
		}
		if url != "" {
			res.DependencyPRUrls = append(res.DependencyPRUrls, url)
		}
	}
	if item.BountyID != nil {
		b, err := e.Repo.GetBounty(ctx, *item.BountyID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return ClaimResult{}, err
		}
		if err == nil {
			res.BountyPrompt = b.Prompt
			res.ForkOwner = b.ForkOwner
			res.ForkURL = b.ForkURL
		}
	}
	return res, nil
}

// ClaimAggregator assigns the oldest assignable issue to a leader node and
// parks it in aggregator_pending until the fork is registered. Issues stuck
// in aggregator_pending past the timeout are reclaimed first.
func (e Engine) ClaimAggregator(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	cutoff := e.now().Add(-e.Config.AggregatorTimeout())
	for {
		id, err := e.Repo.ReclaimStuckAggregator(ctx, cutoff, e.now())
		if errors.Is(err, repo.ErrNotFound) {
			break
		}
		if err != nil {
			return ClaimResult{}, err
		}
		log.Printf("engine: reclaimed stuck aggregator issue %s", id)
	}

	existing, err := e.Repo.FindAssignment(ctx, domain.KindIssue, req.Identity, req.Round)
	if err == nil {
		item, err := e.Repo.GetWorkItem(ctx, existing.ItemID)
		if err != nil {
			return ClaimResult{}, err
		}
		if n := len(item.Assignments); n == 0 ||
			item.Assignments[n-1].Identity != req.Identity || item.Assignments[n-1].Round != req.Round {
			return ClaimResult{}, fmt.Errorf("%w: issue was reclaimed by another aggregator", ErrConflict)
		}
		return e.buildClaimResult(ctx, item)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return ClaimResult{}, err
	}

	for attempt := 0; attempt < claimRetries; attempt++ {
		candidate, err := e.Repo.NextAssignableIssue(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return ClaimResult{}, fmt.Errorf("%w: no assignable issues", ErrConflict)
		}
		if err != nil {
			return ClaimResult{}, err
		}
		err = e.withTx(ctx, func(tx *sql.Tx) error {
			now := e.now()
			if err := e.Repo.SetStatusIf(ctx, tx, candidate.ID, domain.StatusAggregatorPending, now, domain.StatusInitialized); err != nil {
				return err
			}
			a := domain.Assignment{
				ItemID:         candidate.ID,
				Identity:       req.Identity,
				GithubUsername: req.GithubUsername,
				Round:          req.Round,
				TaskID:         req.TaskID,
			}
			if err := e.Repo.InsertAssignment(ctx, tx, a, now); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "issue.aggregator_claimed", domain.KindIssue, candidate.ID, req.Identity, events.EventPayload{
				"round": req.Round,
			})
		})
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return ClaimResult{}, err
		}
		item, err := e.Repo.GetWorkItem(ctx, candidate.ID)
		if err != nil {
			return ClaimResult{}, err
		}
		return e.buildClaimResult(ctx, item)
	}
	return ClaimResult{}, fmt.Errorf("%w: claim contention, retry", ErrConflict)
}

type RegisterAggregatorRequest struct {
	Identity  string
	ItemID    string
	Round     int
	ForkOwner string
	ForkURL   string
}

// RegisterAggregator records the aggregator's fork on the bounty and moves
// the issue from aggregator_pending to in_progress, which opens its todos for
// claiming.
func (e Engine) RegisterAggregator(ctx context.Context, req RegisterAggregatorRequest) error {
	item, err := e.Repo.GetWorkItem(ctx, req.ItemID)
	if err != nil {
		return mapConflict(err, "unknown issue")
	}
	if item.Kind != domain.KindIssue {
		return fmt.Errorf("%w: %s is not an issue", ErrConflict, req.ItemID)
	}
	if _, err := e.Repo.FindAssignmentForItem(ctx, req.ItemID, req.Round); err != nil {
		return mapConflict(err, "no assignment for this round")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		err := e.Repo.SetStatusIf(ctx, tx, req.ItemID, domain.StatusInProgress, now, domain.StatusAggregatorPending)
		if err != nil {
			return mapConflict(err, "issue is not awaiting an aggregator")
		}
		if item.BountyID != nil && req.ForkOwner != "" {
			if err := e.Repo.SetBountyFork(ctx, tx, *item.BountyID, req.ForkOwner, req.ForkURL, now); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, "issue.aggregator_registered", domain.KindIssue, req.ItemID, req.Identity, events.EventPayload{
			"fork_owner": req.ForkOwner,
			"fork_url":   req.ForkURL,
		})
	})
}

type SubmissionRequest struct {
	Kind     string
	ItemID   string
	Identity string
	Round    int
	PRUrl    string
	IsFinal  bool
}

// RecordSubmission stores a pull-request submission. Drafts attach to the
// caller's assignment for this round; finals match the previously drafted
// URL, so only the drafter can finalize, possibly in a later round.
func (e Engine) RecordSubmission(ctx context.Context, req SubmissionRequest) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		if req.IsFinal {
			if err := e.Repo.SetFinalPR(ctx, tx, req.ItemID, req.Identity, req.PRUrl, req.Round); err != nil {
				return mapConflict(err, "no drafted submission matches")
			}
			err := e.Repo.SetStatusIf(ctx, tx, req.ItemID, domain.StatusInReview, now,
				domain.StatusInProgress, domain.StatusDraftSubmitted, domain.StatusAssignPending, domain.StatusInReview)
			if err != nil {
				return mapConflict(err, "item is not accepting submissions")
			}
		} else {
			if err := e.Repo.SetDraftPR(ctx, tx, req.ItemID, req.Identity, req.Round, req.PRUrl); err != nil {
				return mapConflict(err, "no assignment for this round")
			}
			err := e.Repo.SetStatusIf(ctx, tx, req.ItemID, domain.StatusDraftSubmitted, now,
				domain.StatusInProgress, domain.StatusDraftSubmitted, domain.StatusAssignPending)
			if err != nil {
				return mapConflict(err, "item is not accepting submissions")
			}
		}
		evt := "submission.draft"
		if req.IsFinal {
			evt = "submission.final"
		}
		return e.Events.Append(ctx, tx, evt, req.Kind, req.ItemID, req.Identity, events.EventPayload{
			"round":  req.Round,
			"pr_url": req.PRUrl,
		})
	})
}

// Failure sources. A task failure is self-reported by the worker and frees
// the item immediately; an audit failure leaves status to the outcome
// pipeline.
const (
	FailureSourceTask  = "task"
	FailureSourceAudit = "audit"
)

type FailureRequest struct {
	Kind     string
	ItemID   string
	Identity string
	Round    int
	Reason   string
	Feedback string
	Source   string
}

func (e Engine) RecordFailure(ctx context.Context, req FailureRequest) error {
	if req.Kind != domain.KindTodo && req.Kind != domain.KindIssue {
		return fmt.Errorf("%w: unknown kind %q", ErrConflict, req.Kind)
	}
	if req.Source != FailureSourceTask && req.Source != FailureSourceAudit {
		return fmt.Errorf("%w: unknown failure source %q", ErrConflict, req.Source)
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		err := e.Repo.SetFailure(ctx, tx, req.ItemID, req.Identity, req.Round, req.Reason, req.Feedback)
		if err != nil {
			return mapConflict(err, "no assignment for this round")
		}
		if req.Source == FailureSourceTask {
			if err := e.Repo.SetStatus(ctx, tx, req.ItemID, domain.StatusInitialized, e.now()); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, "assignment.failed", req.Kind, req.ItemID, req.Identity, events.EventPayload{
			"round":  req.Round,
			"reason": req.Reason,
			"source": req.Source,
		})
	})
}

// CheckAssignment returns the caller's current assignment and item for a
// round.
func (e Engine) CheckAssignment(ctx context.Context, kind, identity string, round int) (domain.Assignment, domain.WorkItem, error) {
	a, err := e.Repo.FindAssignment(ctx, kind, identity, round)
	if err != nil {
		return domain.Assignment{}, domain.WorkItem{}, mapConflict(err, "no assignment for this round")
	}
	item, err := e.Repo.GetWorkItem(ctx, a.ItemID)
	if err != nil {
		return domain.Assignment{}, domain.WorkItem{}, err
	}
	return a, item, nil
}

// SweepExhausted fails every item of a kind that burned through the attempt
// budget without an approval, and fails the parent issue with it: a todo
// nobody can complete means the issue can never assemble.
func (e Engine) SweepExhausted(ctx context.Context, kind string) ([]string, error) {
	ids, err := e.Repo.ExhaustedItems(ctx, kind, e.Config.Assignment.MaxAttempts)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, id := range ids {
		item, err := e.Repo.GetWorkItem(ctx, id)
		if err != nil {
			return failed, err
		}
		err = e.withTx(ctx, func(tx *sql.Tx) error {
			now := e.now()
			if err := e.Repo.SetStatus(ctx, tx, id, domain.StatusFailed, now); err != nil {
				return err
			}
			if item.ParentID != nil {
				if err := e.Repo.SetStatus(ctx, tx, *item.ParentID, domain.StatusFailed, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
			}
			return e.Events.Append(ctx, tx, "workitem.exhausted", kind, id, "", events.EventPayload{
				"max_attempts": e.Config.Assignment.MaxAttempts,
			})
		})
		if err != nil {
			return failed, err
		}
		if item.BountyID != nil {
			e.notifier().UpdateBountyStatus(ctx, *item.BountyID, domain.BountyStatusFailed)
		}
		failed = append(failed, id)
	}
	return failed, nil
}

type CreateBountyRequest struct {
	Title       string
	Description string
	RepoOwner   string
	RepoName    string
	Prompt      string
}

func (e Engine) CreateBounty(ctx context.Context, req CreateBountyRequest) (domain.Bounty, error) {
	b := domain.Bounty{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Status:      domain.BountyStatusInProgress,
		RepoOwner:   req.RepoOwner,
		RepoName:    req.RepoName,
		Prompt:      req.Prompt,
		CreatedAt:   e.nowStr(),
		UpdatedAt:   e.nowStr(),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertBounty(ctx, tx, b); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "bounty.created", "bounty", b.ID, "", nil)
	})
	if err != nil {
		return domain.Bounty{}, err
	}
	return b, nil
}

type CreateItemRequest struct {
	Kind               string
	ParentID           string
	BountyID           string
	PredecessorID      string
	Title              string
	Description        string
	RepoOwner          string
	RepoName           string
	AcceptanceCriteria []string
	DependencyIDs      []string
}

func (e Engine) CreateItem(ctx context.Context, req CreateItemRequest) (domain.WorkItem, error) {
	if req.Kind != domain.KindTodo && req.Kind != domain.KindIssue {
		return domain.WorkItem{}, fmt.Errorf("%w: unknown kind %q", ErrConflict, req.Kind)
	}
	w := domain.WorkItem{
		ID:                 uuid.NewString(),
		Kind:               req.Kind,
		Title:              req.Title,
		Description:        req.Description,
		Status:             domain.StatusInitialized,
		RepoOwner:          req.RepoOwner,
		RepoName:           req.RepoName,
		AcceptanceCriteria: req.AcceptanceCriteria,
		DependencyIDs:      req.DependencyIDs,
		CreatedAt:          e.nowStr(),
		UpdatedAt:          e.nowStr(),
	}
	if req.ParentID != "" {
		w.ParentID = &req.ParentID
	}
	if req.BountyID != "" {
		w.BountyID = &req.BountyID
	}
	if req.PredecessorID != "" {
		w.PredecessorID = &req.PredecessorID
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertWorkItem(ctx, tx, w); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "workitem.created", w.Kind, w.ID, "", nil)
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// mapConflict translates a precondition miss into ErrConflict with a caller
// message; other errors pass through.
func mapConflict(err error, msg string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return err
}
