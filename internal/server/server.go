// Package server exposes the coordination API over HTTP. Every worker-facing
// endpoint takes a signed envelope; the handler verifies it, runs the
// identity gate, then hands the decoded claims to the engine.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"swarmline/internal/domain"
	"swarmline/internal/engine"
	"swarmline/internal/gate"
	"swarmline/internal/repo"
	"swarmline/internal/sign"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Verifier sign.Verifier
	Gate     *gate.Gate
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"no eligible work items"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Swarmline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Swarmline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerTodos(group, cfg)
	registerIssues(group, cfg)
	registerRounds(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sign.ErrBadSignature), errors.Is(err, sign.ErrBadPayload):
		return newAPIError(http.StatusUnauthorized, "invalid_signature", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	log.Printf("server: internal error: %v", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "invalid_signature"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// decodeSigned verifies the envelope, checks the action tag and runs the
// identity gate. Every worker-facing handler starts here.
func decodeSigned(ctx context.Context, cfg Config, action string, req SignedRequest) (*sign.Claims, huma.StatusError) {
	if req.Signature == "" || req.StakingKey == "" {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "signature and stakingKey are required", nil)
	}
	claims, err := cfg.Verifier.Decode(req.Signature, req.StakingKey, action)
	if err != nil {
		return nil, handleError(err)
	}
	if cfg.Gate != nil && !cfg.Gate.Allow(ctx, claims.TaskID, claims.Identity) {
		return nil, newAPIError(http.StatusUnauthorized, "invalid_staking_key", "identity is not staked on this task", nil)
	}
	return claims, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Work item counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		todos, err := e.Repo.CountItemsByStatus(ctx, domain.KindTodo)
		if err != nil {
			return nil, handleError(err)
		}
		issues, err := e.Repo.CountItemsByStatus(ctx, domain.KindIssue)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"todos":  todos,
			"issues": issues,
		}}, nil
	})
}

func registerTodos(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "claim-todo",
		Method:      http.MethodPost,
		Path:        "/todos/claim",
		Summary:     "Claim the next eligible todo",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SignedRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		claims, apiErr := decodeSigned(ctx, cfg, "claim-todo", input.Body)
		if apiErr != nil {
			return nil, apiErr
		}
		res, err := e.ClaimNext(ctx, engine.ClaimRequest{
			Identity:       claims.Identity,
			GithubUsername: claims.GithubUsername,
			TaskID:         claims.TaskID,
			Round:          claims.Round,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-todo-pr",
		Method:      http.MethodPost,
		Path:        "/todos/pr",
		Summary:     "Record a todo pull request",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SignedRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		claims, apiErr := decodeSigned(ctx, cfg, "submit-pr", input.Body)
		if apiErr != nil {
			return nil, apiErr
		}
		if claims.PRUrl == "" || claims.ItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "prUrl and uuid are required", nil)
		}
		err := e.RecordSubmission(ctx, engine.SubmissionRequest{
			Kind:     domain.KindTodo,
			ItemID:   claims.ItemID,
			Identity: claims.Identity,
			Round:    claims.Round,
			PRUrl:    claims.PRUrl,
			IsFinal:  claims.IsFinal != nil && *claims.IsFinal,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-todo",
		Method:      http.MethodPost,
		Path:        "/todos/fail",
		Summary:     "Record an assignment failure",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SignedRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		claims, apiErr := decodeSigned(ctx, cfg, "fail-todo", input.Body)
		if apiErr != nil {
			return nil, apiErr
		}
		if claims.ItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "uuid is required", nil)
		}
		err := e.RecordFailure(ctx, engine.FailureRequest{
			Kind:     domain.KindTodo,
			ItemID:   claims.ItemID,
			Identity: claims.Identity,
			Round:    claims.Round,
			Reason:   claims.Reason,
			Feedback: claims.Feedback,
			Source:   claims.Source,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-todo",
		Method:      http.MethodPost,
		Path:        "/todos/check",
		Summary:     "Look up the caller's assignment for a round",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SignedRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		claims, apiErr := decodeSigned(ctx, cfg, "check-todo", input.Body)
		if apiErr != nil {
			return nil, apiErr
		}
		a, item, err := e.CheckAssignment(ctx, domain.KindTodo, claims.Identity, claims.Round)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a, item)}, nil
	})
}

func registerIssues(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "claim-issue",
		Method:      http.MethodPost,
		Path:        "/issues/claim",
		Summary:     "Claim the next assignable issue as aggregator",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SignedRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		claims, apiErr := decodeSigned(ctx, cfg, "claim-issue", input.Body)
		if apiErr != nil {
			return nil, apiErr
		}
		res, err := e.ClaimAggregator(ctx, engine.ClaimRequest{
			Identity:       claims.Identity,
			GithubUsername: claims.GithubUsername,
			TaskID:         claims.TaskID,
			Round:          claims.Round,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: claimResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-aggregator",
		Method:      http.MethodPost,
		Path:        "/issues/aggregator",
		Summary:     "Register the aggregator fork and open the issue",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SignedRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		claims, apiErr := decodeSigned(ctx, cfg, "register-aggregator", input.Body)
		if apiErr != nil {
			return nil, apiErr
		}
		if claims.ItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "uuid is required", nil)
		}
		err := e.RegisterAggregator(ctx, engine.RegisterAggregatorRequest{
			Identity:  claims.Identity,
			ItemID:    claims.ItemID,
			Round:     claims.Round,
			ForkOwner: claims.ForkOwner,
			ForkURL:   claims.ForkURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-issue-pr",
		Method:      http.MethodPost,
		Path:        "/issues/pr",
		Summary:     "Record an issue pull request",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SignedRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		claims, apiErr := decodeSigned(ctx, cfg, "submit-pr", input.Body)
		if apiErr != nil {
			return nil, apiErr
		}
		if claims.PRUrl == "" || claims.ItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "prUrl and uuid are required", nil)
		}
		err := e.RecordSubmission(ctx, engine.SubmissionRequest{
			Kind:     domain.KindIssue,
			ItemID:   claims.ItemID,
			Identity: claims.Identity,
			Round:    claims.Round,
			PRUrl:    claims.PRUrl,
			IsFinal:  claims.IsFinal != nil && *claims.IsFinal,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-issue",
		Method:      http.MethodPost,
		Path:        "/issues/fail",
		Summary:     "Record an issue assignment failure",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SignedRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		claims, apiErr := decodeSigned(ctx, cfg, "fail-issue", input.Body)
		if apiErr != nil {
			return nil, apiErr
		}
		if claims.ItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "uuid is required", nil)
		}
		err := e.RecordFailure(ctx, engine.FailureRequest{
			Kind:     domain.KindIssue,
			ItemID:   claims.ItemID,
			Identity: claims.Identity,
			Round:    claims.Round,
			Reason:   claims.Reason,
			Feedback: claims.Feedback,
			Source:   claims.Source,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-issue",
		Method:      http.MethodPost,
		Path:        "/issues/check",
		Summary:     "Look up the caller's issue assignment for a round",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SignedRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		claims, apiErr := decodeSigned(ctx, cfg, "check-issue", input.Body)
		if apiErr != nil {
			return nil, apiErr
		}
		a, item, err := e.CheckAssignment(ctx, domain.KindIssue, claims.Identity, claims.Round)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a, item)}, nil
	})
}

func registerRounds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-round-outcome",
		Method:      http.MethodPost,
		Path:        "/rounds/outcome",
		Summary:     "Apply one voting round's verdicts",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ApplyOutcomeRequest `json:"body"`
	}) (*struct {
		Body engine.OutcomeSummary `json:"body"`
	}, error) {
		if input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id is required", nil)
		}
		if input.Body.Round < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "round must not be negative", nil)
		}
		summary, err := e.ApplyRoundOutcome(ctx, input.Body.TaskID, input.Body.Round, input.Body.Positive, input.Body.Negative)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.OutcomeSummary `json:"body"`
		}{Body: summary}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rounds",
		Method:      http.MethodGet,
		Path:        "/rounds/{task_id}",
		Summary:     "List applied rounds for a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.AuditRound `json:"body"`
	}, error) {
		rounds, err := e.Repo.ListAuditRounds(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditRound `json:"body"`
		}{Body: rounds}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-bounty",
		Method:        http.MethodPost,
		Path:          "/bounties",
		Summary:       "Create a bounty",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateBountyRequest `json:"body"`
	}) (*struct {
		Body domain.Bounty `json:"body"`
	}, error) {
		if input.Body.Title == "" || input.Body.RepoOwner == "" || input.Body.RepoName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title, repo_owner and repo_name are required", nil)
		}
		b, err := e.CreateBounty(ctx, engine.CreateBountyRequest{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			RepoOwner:   input.Body.RepoOwner,
			RepoName:    input.Body.RepoName,
			Prompt:      input.Body.Prompt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bounty `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bounties",
		Method:      http.MethodGet,
		Path:        "/bounties",
		Summary:     "List bounties",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Bounty `json:"body"`
	}, error) {
		bounties, err := e.Repo.ListBounties(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Bounty `json:"body"`
		}{Body: bounties}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if input.Body.Title == "" || input.Body.RepoOwner == "" || input.Body.RepoName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title, repo_owner and repo_name are required", nil)
		}
		w, err := e.CreateItem(ctx, engine.CreateItemRequest{
			Kind:               input.Body.Kind,
			ParentID:           input.Body.ParentID,
			BountyID:           input.Body.BountyID,
			PredecessorID:      input.Body.PredecessorID,
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			RepoOwner:          input.Body.RepoOwner,
			RepoName:           input.Body.RepoName,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			DependencyIDs:      input.Body.DependencyIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Kind     string `query:"kind"`
		Status   string `query:"status"`
		BountyID string `query:"bounty_id"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			Kind:     input.Kind,
			Status:   input.Status,
			BountyID: input.BountyID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get a work item",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.Repo.GetWorkItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-exhausted",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Fail items that exhausted their attempt budget",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string][]string `json:"body"`
	}, error) {
		todos, err := e.SweepExhausted(ctx, domain.KindTodo)
		if err != nil {
			return nil, handleError(err)
		}
		issues, err := e.SweepExhausted(ctx, domain.KindIssue)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string][]string `json:"body"`
		}{Body: map[string][]string{
			"todos":  todos,
			"issues": issues,
		}}, nil
	})
}
