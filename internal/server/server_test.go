package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"swarmline/internal/config"
	"swarmline/internal/db"
	"swarmline/internal/domain"
	"swarmline/internal/engine"
	"swarmline/internal/events"
	"swarmline/internal/migrate"
	"swarmline/internal/repo"
	"swarmline/internal/sign"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Config: config.Default(),
		Now:    time.Now,
	}
	handler, err := New(Config{
		Engine:   e,
		Verifier: sign.Verifier{AllowedTaskIDs: []string{"task-1"}},
		BasePath: "/v0",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (int, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res.StatusCode, data
}

func signedBody(t *testing.T, priv ed25519.PrivateKey, claims sign.Claims) map[string]string {
	t.Helper()
	claims.Identity = sign.Identity(priv)
	signature, err := sign.Sign(priv, claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return map[string]string{
		"signature":  signature,
		"stakingKey": claims.Identity,
	}
}

func seedClaimableTodo(t *testing.T, srv *testServer) string {
	t.Helper()
	ctx := context.Background()
	b, err := srv.Engine.CreateBounty(ctx, engine.CreateBountyRequest{
		Title: "api bounty", RepoOwner: "acme", RepoName: "demo", Prompt: "be thorough",
	})
	if err != nil {
		t.Fatal(err)
	}
	issue, err := srv.Engine.CreateItem(ctx, engine.CreateItemRequest{
		Kind: domain.KindIssue, BountyID: b.ID, Title: "api issue", RepoOwner: "acme", RepoName: "demo",
	})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := srv.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := srv.Engine.Repo.SetStatus(ctx, tx, issue.ID, domain.StatusInProgress, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	todo, err := srv.Engine.CreateItem(ctx, engine.CreateItemRequest{
		Kind: domain.KindTodo, ParentID: issue.ID, BountyID: b.ID,
		Title: "api todo", RepoOwner: "acme", RepoName: "demo",
	})
	if err != nil {
		t.Fatal(err)
	}
	return todo.ID
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	status, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil)
	if status != http.StatusOK {
		t.Fatalf("health: %d %s", status, body)
	}
}

func TestSignedClaimLifecycle(t *testing.T) {
	srv := newTestServer(t)
	todoID := seedClaimableTodo(t, srv)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	// Claim.
	status, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/todos/claim",
		signedBody(t, priv, sign.Claims{TaskID: "task-1", Round: 1, Action: "claim-todo", GithubUsername: "octocat"}))
	if status != http.StatusOK {
		t.Fatalf("claim: %d %s", status, body)
	}
	var claim ClaimResponse
	if err := json.Unmarshal(body, &claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if claim.ID != todoID || claim.Status != domain.StatusInProgress {
		t.Fatalf("claim response: %+v", claim)
	}
	if claim.BountyPrompt != "be thorough" {
		t.Fatalf("prompt missing from claim response: %+v", claim)
	}

	// Draft then final PR.
	prURL := "https://github.com/acme/demo/pull/7"
	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/todos/pr",
		signedBody(t, priv, sign.Claims{TaskID: "task-1", Round: 1, Action: "submit-pr", ItemID: todoID, PRUrl: prURL}))
	if status != http.StatusOK {
		t.Fatalf("draft pr: %d %s", status, body)
	}
	isFinal := true
	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/todos/pr",
		signedBody(t, priv, sign.Claims{TaskID: "task-1", Round: 2, Action: "submit-pr", ItemID: todoID, PRUrl: prURL, IsFinal: &isFinal}))
	if status != http.StatusOK {
		t.Fatalf("final pr: %d %s", status, body)
	}

	// Check reflects the submission.
	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/todos/check",
		signedBody(t, priv, sign.Claims{TaskID: "task-1", Round: 2, Action: "check-todo"}))
	if status != http.StatusOK {
		t.Fatalf("check: %d %s", status, body)
	}
	var check AssignmentResponse
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatal(err)
	}
	if check.ItemID != todoID || !check.IsFinal || check.ItemStatus != domain.StatusInReview {
		t.Fatalf("check response: %+v", check)
	}

	// Round outcome approves it.
	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/rounds/outcome", ApplyOutcomeRequest{
		TaskID: "task-1", Round: 2, Positive: []string{sign.Identity(priv)},
	})
	if status != http.StatusOK {
		t.Fatalf("outcome: %d %s", status, body)
	}
	var summary engine.OutcomeSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatal(err)
	}
	if !summary.Applied || summary.ApprovedTodos != 1 {
		t.Fatalf("outcome summary: %+v", summary)
	}
}

func TestClaimRejectsBadEnvelopes(t *testing.T) {
	srv := newTestServer(t)
	seedClaimableTodo(t, srv)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_, other, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	// Signature from a different key than the claimed identity.
	signature, err := sign.Sign(other, sign.Claims{TaskID: "task-1", Round: 1, Action: "claim-todo", Identity: sign.Identity(priv)})
	if err != nil {
		t.Fatal(err)
	}
	status, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/todos/claim", map[string]string{
		"signature":  signature,
		"stakingKey": sign.Identity(priv),
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("forged signature: %d %s", status, body)
	}

	// Wrong action tag.
	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/todos/claim",
		signedBody(t, priv, sign.Claims{TaskID: "task-1", Round: 1, Action: "submit-pr"}))
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong action: %d %s", status, body)
	}

	// Task id outside the allow-list.
	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/todos/claim",
		signedBody(t, priv, sign.Claims{TaskID: "task-9", Round: 1, Action: "claim-todo"}))
	if status != http.StatusUnauthorized {
		t.Fatalf("unlisted task: %d %s", status, body)
	}

	// Missing envelope fields.
	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/todos/claim", map[string]string{})
	if status != http.StatusBadRequest {
		t.Fatalf("empty envelope: %d %s", status, body)
	}
}

func TestClaimConflictWhenNothingEligible(t *testing.T) {
	srv := newTestServer(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	status, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/todos/claim",
		signedBody(t, priv, sign.Claims{TaskID: "task-1", Round: 1, Action: "claim-todo"}))
	if status != http.StatusConflict {
		t.Fatalf("empty backlog claim: %d %s", status, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("error code %q, want conflict", envelope.Error.Code)
	}
}

func TestIssueCheckAndFail(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	b, err := srv.Engine.CreateBounty(ctx, engine.CreateBountyRequest{
		Title: "lead bounty", RepoOwner: "acme", RepoName: "demo",
	})
	if err != nil {
		t.Fatal(err)
	}
	issue, err := srv.Engine.CreateItem(ctx, engine.CreateItemRequest{
		Kind: domain.KindIssue, BountyID: b.ID, Title: "lead issue", RepoOwner: "acme", RepoName: "demo",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	status, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/issues/claim",
		signedBody(t, priv, sign.Claims{TaskID: "task-1", Round: 1, Action: "claim-issue"}))
	if status != http.StatusOK {
		t.Fatalf("claim: %d %s", status, body)
	}
	var claim ClaimResponse
	if err := json.Unmarshal(body, &claim); err != nil {
		t.Fatal(err)
	}
	if claim.ID != issue.ID {
		t.Fatalf("claimed %s, want %s", claim.ID, issue.ID)
	}

	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/issues/check",
		signedBody(t, priv, sign.Claims{TaskID: "task-1", Round: 1, Action: "check-issue"}))
	if status != http.StatusOK {
		t.Fatalf("check: %d %s", status, body)
	}
	var check AssignmentResponse
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatal(err)
	}
	if check.ItemID != issue.ID || check.ItemStatus != domain.StatusAggregatorPending {
		t.Fatalf("check response: %+v", check)
	}

	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/issues/fail",
		signedBody(t, priv, sign.Claims{
			TaskID: "task-1", Round: 1, Action: "fail-issue",
			ItemID: issue.ID, Reason: "fork setup failed", Source: "task",
		}))
	if status != http.StatusOK {
		t.Fatalf("fail: %d %s", status, body)
	}

	// A task-side failure puts the issue back up for grabs.
	status, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/items/"+issue.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("get item: %d %s", status, body)
	}
	var got domain.WorkItem
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusInitialized {
		t.Fatalf("issue status %s after failure, want initialized", got.Status)
	}
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	srv := newTestServer(t)
	srv.Engine.DB.Close()

	status, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/status", nil)
	if status != http.StatusInternalServerError {
		t.Fatalf("status endpoint: %d %s", status, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "internal_error" || envelope.Error.Message != "internal error" {
		t.Fatalf("error envelope: %+v", envelope.Error)
	}
	if len(envelope.Error.Details) != 0 {
		t.Fatalf("internal detail leaked: %+v", envelope.Error.Details)
	}
}

func TestAdminIngestionEndpoints(t *testing.T) {
	srv := newTestServer(t)

	status, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/bounties", CreateBountyRequest{
		Title: "hosted bounty", RepoOwner: "acme", RepoName: "demo",
	})
	if status != http.StatusCreated {
		t.Fatalf("create bounty: %d %s", status, body)
	}
	var bounty domain.Bounty
	if err := json.Unmarshal(body, &bounty); err != nil {
		t.Fatal(err)
	}

	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/items", CreateItemRequest{
		Kind: domain.KindIssue, BountyID: bounty.ID, Title: "hosted issue", RepoOwner: "acme", RepoName: "demo",
	})
	if status != http.StatusCreated {
		t.Fatalf("create item: %d %s", status, body)
	}

	status, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/items?kind=issue", nil)
	if status != http.StatusOK {
		t.Fatalf("list items: %d %s", status, body)
	}
	var items []domain.WorkItem
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Title != "hosted issue" {
		t.Fatalf("listed items: %+v", items)
	}

	status, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/items", CreateItemRequest{
		Kind: "epic", Title: "bad kind", RepoOwner: "acme", RepoName: "demo",
	})
	if status != http.StatusConflict && status != http.StatusBadRequest {
		t.Fatalf("bad kind: %d %s", status, body)
	}
}
