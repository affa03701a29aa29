package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kmabbott81/relay-sub007/internal/adapter"
	"github.com/kmabbott81/relay-sub007/internal/audit"
	"github.com/kmabbott81/relay-sub007/internal/auth"
	"github.com/kmabbott81/relay-sub007/internal/engine"
	"github.com/kmabbott81/relay-sub007/internal/idempotency"
	"github.com/kmabbott81/relay-sub007/internal/ratelimit"
	"github.com/kmabbott81/relay-sub007/internal/registry"
	"github.com/kmabbott81/relay-sub007/internal/schema"
	"github.com/kmabbott81/relay-sub007/internal/token"
)

const (
	memberKey     = "rk_member_key_0001"
	adminKey      = "rk_admin_key_00001"
	otherAdminKey = "rk_other_key_00001"

	keySpec = memberKey + ":ws-1," + adminKey + ":ws-1:admin," + otherAdminKey + ":ws-2:admin"
)

const testSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string"},
		"secret_note": {"type": "string", "secret": true}
	}
}`

type stubRegistry struct {
	defs map[string]*registry.ActionDefinition
}

func (s *stubRegistry) Get(_ context.Context, workspaceID, name string) (*registry.ActionDefinition, error) {
	return s.defs[workspaceID+":"+name], nil
}

func (s *stubRegistry) List(_ context.Context, workspaceID string) ([]*registry.ActionDefinition, error) {
	var out []*registry.ActionDefinition
	for _, def := range s.defs {
		if def.WorkspaceID == workspaceID {
			out = append(out, def)
		}
	}
	return out, nil
}

type countingDispatcher struct {
	calls atomic.Int32
}

func (c *countingDispatcher) Dispatch(_ context.Context, req adapter.Request) (*adapter.Outcome, error) {
	c.calls.Add(1)
	return &adapter.Outcome{
		StatusCode:     200,
		ResponseDigest: "digest",
		DeliveryID:     req.DeliveryID,
		DispatchedAt:   time.Now(),
	}, nil
}

type apiEnv struct {
	srv        *httptest.Server
	dispatcher *countingDispatcher
	recorder   *audit.MemoryRecorder
}

func newAPIEnv(t *testing.T, mutate ...func(*engine.Config)) *apiEnv {
	t.Helper()

	reg := &stubRegistry{defs: map[string]*registry.ActionDefinition{
		"ws-1:example.hello": {
			ID:          "act_hello",
			WorkspaceID: "ws-1",
			Name:        "example.hello",
			Description: "greets the receiver",
			InputSchema: []byte(testSchema),
			AdapterKind: registry.AdapterWebhook,
			Webhook:     &registry.WebhookConfig{URL: "https://hooks.example.com/hello"},
			RateClass:   "default",
		},
	}}
	dispatcher := &countingDispatcher{}
	recorder := audit.NewMemoryRecorder(100)
	idem := idempotency.NewMemoryStore(idempotency.TTLs{Record: time.Hour, FailureCooldown: time.Minute})
	t.Cleanup(func() { idem.Close() })

	cfg := engine.Config{
		Registry:      reg,
		Validator:     schema.NewValidator(),
		Issuer:        token.NewIssuer([]byte("api-test-secret"), 5*time.Minute),
		Admitter:      ratelimit.NewMemoryAdmitter(),
		Idempotency:   idem,
		Dispatcher:    dispatcher,
		Recorder:      recorder,
		Logger:        zap.NewNop(),
		DefaultPolicy: ratelimit.Policy{PerMinute: 600, Burst: 100},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	deps := &Dependencies{
		Auth:         auth.NewStaticAuthenticator(keySpec),
		Engine:       engine.New(cfg),
		Reader:       recorder,
		Logger:       zap.NewNop(),
		MaxAuditRead: 500,
	}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, dispatcher: dispatcher, recorder: recorder}
}

type request struct {
	method  string
	path    string
	apiKey  string
	token   string
	idemKey string
	body    string
}

func (env *apiEnv) do(t *testing.T, req request) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	}
	httpReq, err := http.NewRequest(req.method, env.srv.URL+req.path, body)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if req.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.apiKey)
	}
	if req.token != "" {
		httpReq.Header.Set(ExecutionTokenHeader, req.token)
	}
	if req.idemKey != "" {
		httpReq.Header.Set(IdempotencyKeyHeader, req.idemKey)
	}
	if req.body != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return resp, respBody
}

func (env *apiEnv) previewToken(t *testing.T, input string) string {
	t.Helper()
	resp, body := env.do(t, request{
		method: http.MethodPost,
		path:   "/v1/actions/preview",
		apiKey: memberKey,
		body:   `{"method":"example.hello","input":` + input + `}`,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d, body %s", resp.StatusCode, body)
	}
	var pr PreviewResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		t.Fatalf("unmarshaling preview: %v", err)
	}
	if pr.ExecutionToken == "" {
		t.Fatal("preview returned an empty execution token")
	}
	return pr.ExecutionToken
}

func errorKind(t *testing.T, body []byte) string {
	t.Helper()
	var er ErrorResp
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("unmarshaling error body %s: %v", body, err)
	}
	return er.Error.Kind
}

func TestSecurityHeaders_OnEveryResponse(t *testing.T) {
	env := newAPIEnv(t)

	paths := []request{
		{method: http.MethodGet, path: "/healthz"},
		{method: http.MethodGet, path: "/v1/actions"}, // 401
		{method: http.MethodGet, path: "/v1/actions", apiKey: memberKey},
	}
	for _, req := range paths {
		resp, _ := env.do(t, req)
		if got := resp.Header.Get("Strict-Transport-Security"); !strings.Contains(got, "max-age=") {
			t.Errorf("%s: Strict-Transport-Security = %q", req.path, got)
		}
		if got := resp.Header.Get("Content-Security-Policy"); got != "default-src 'none'" {
			t.Errorf("%s: Content-Security-Policy = %q", req.path, got)
		}
		if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
			t.Errorf("%s: X-Content-Type-Options = %q", req.path, got)
		}
	}
}

func TestAuth_MissingKey(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, request{method: http.MethodGet, path: "/v1/actions"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if errorKind(t, body) != "auth_error" {
		t.Errorf("kind = %s", errorKind(t, body))
	}
}

func TestAuth_UnknownKey(t *testing.T) {
	env := newAPIEnv(t)
	resp, _ := env.do(t, request{method: http.MethodGet, path: "/v1/actions", apiKey: "rk_not_in_the_list1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestListActions(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, request{method: http.MethodGet, path: "/v1/actions", apiKey: memberKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var lr ListActionsResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if len(lr.Actions) != 1 || lr.Actions[0].Name != "example.hello" {
		t.Errorf("actions = %+v", lr.Actions)
	}
}

func TestListActions_EmptyWorkspaceGetsEmptyList(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, request{method: http.MethodGet, path: "/v1/actions", apiKey: otherAdminKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"actions":[]`) {
		t.Errorf("body = %s, want empty actions array", body)
	}
}

func TestPreview_Rejections(t *testing.T) {
	env := newAPIEnv(t)
	cases := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{"malformed body", `{not json`, http.StatusBadRequest, "validation_error"},
		{"missing method", `{"input":{}}`, http.StatusBadRequest, "validation_error"},
		{"unknown action", `{"method":"no.such","input":{}}`, http.StatusNotFound, "not_found"},
		{"schema violation", `{"method":"example.hello","input":{"name":42}}`, http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.do(t, request{
				method: http.MethodPost, path: "/v1/actions/preview",
				apiKey: memberKey, body: tc.body,
			})
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.status, body)
			}
			if errorKind(t, body) != tc.kind {
				t.Errorf("kind = %s, want %s", errorKind(t, body), tc.kind)
			}
		})
	}
}

func TestPreview_ViolationsListed(t *testing.T) {
	env := newAPIEnv(t)
	_, body := env.do(t, request{
		method: http.MethodPost, path: "/v1/actions/preview",
		apiKey: memberKey, body: `{"method":"example.hello","input":{"name":42}}`,
	})
	var er ErrorResp
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if len(er.Error.Violations) == 0 {
		t.Errorf("no violations listed: %s", body)
	}
}

func TestExecute_MissingToken(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, request{
		method: http.MethodPost, path: "/v1/actions/execute",
		apiKey: memberKey, body: `{"input":{"name":"x"}}`,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if errorKind(t, body) != "auth_error" {
		t.Errorf("kind = %s", errorKind(t, body))
	}
}

// TestPreviewExecuteReplay walks the whole surface: discover, preview,
// execute without an idempotency key, then retry and observe the replay.
func TestPreviewExecuteReplay(t *testing.T) {
	env := newAPIEnv(t)
	input := `{"name":"world"}`
	tok := env.previewToken(t, input)

	first, firstBody := env.do(t, request{
		method: http.MethodPost, path: "/v1/actions/execute",
		apiKey: memberKey, token: tok, body: `{"input":` + input + `}`,
	})
	if first.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d, body %s", first.StatusCode, firstBody)
	}
	var out struct {
		Outcome struct {
			Success        bool   `json:"success"`
			IdempotencyKey string `json:"idempotency_key"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(firstBody, &out); err != nil {
		t.Fatalf("unmarshaling outcome: %v", err)
	}
	if !out.Outcome.Success {
		t.Errorf("outcome.success = false: %s", firstBody)
	}
	if !strings.HasPrefix(out.Outcome.IdempotencyKey, "auto-") {
		t.Errorf("idempotency key = %q", out.Outcome.IdempotencyKey)
	}
	if first.Header.Get(ReplayHeader) != "" {
		t.Error("first execution carries the replay marker")
	}
	if first.Header.Get("X-RateLimit-Limit") == "" || first.Header.Get("X-RateLimit-Remaining") == "" {
		t.Error("rate headers missing on admitted execute")
	}

	second, secondBody := env.do(t, request{
		method: http.MethodPost, path: "/v1/actions/execute",
		apiKey: memberKey, token: tok, body: `{"input":` + input + `}`,
	})
	if second.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, body %s", second.StatusCode, secondBody)
	}
	if second.Header.Get(ReplayHeader) != "true" {
		t.Errorf("%s = %q, want true", ReplayHeader, second.Header.Get(ReplayHeader))
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Errorf("replayed body differs:\n%s\n%s", firstBody, secondBody)
	}
	if env.dispatcher.calls.Load() != 1 {
		t.Errorf("dispatch count = %d, want 1", env.dispatcher.calls.Load())
	}
}

func TestExecute_RateLimitResponse(t *testing.T) {
	env := newAPIEnv(t, func(cfg *engine.Config) {
		cfg.DefaultPolicy = ratelimit.Policy{PerMinute: 60, Burst: 1}
	})

	firstTok := env.previewToken(t, `{"name":"one"}`)
	resp, body := env.do(t, request{
		method: http.MethodPost, path: "/v1/actions/execute",
		apiKey: memberKey, token: firstTok, body: `{"input":{"name":"one"}}`,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first execute status = %d, body %s", resp.StatusCode, body)
	}

	secondTok := env.previewToken(t, `{"name":"two"}`)
	resp, body = env.do(t, request{
		method: http.MethodPost, path: "/v1/actions/execute",
		apiKey: memberKey, token: secondTok, body: `{"input":{"name":"two"}}`,
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 (body %s)", resp.StatusCode, body)
	}
	if errorKind(t, body) != "rate_limited" {
		t.Errorf("kind = %s", errorKind(t, body))
	}
	var er ErrorResp
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if er.Error.RetryAfter < 1 {
		t.Errorf("retry_after = %d, want >= 1", er.Error.RetryAfter)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if resp.Header.Get("X-RateLimit-Limit") != "60" {
		t.Errorf("X-RateLimit-Limit = %q", resp.Header.Get("X-RateLimit-Limit"))
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", resp.Header.Get("X-RateLimit-Remaining"))
	}
}

func TestAudit_RequiresAdminKey(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, request{method: http.MethodGet, path: "/v1/audit", apiKey: memberKey})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if errorKind(t, body) != "forbidden" {
		t.Errorf("kind = %s", errorKind(t, body))
	}
}

func TestAudit_ListsOwnWorkspaceOnly(t *testing.T) {
	env := newAPIEnv(t)
	tok := env.previewToken(t, `{"name":"world"}`)
	env.do(t, request{
		method: http.MethodPost, path: "/v1/actions/execute",
		apiKey: memberKey, token: tok, body: `{"input":{"name":"world"}}`,
	})

	resp, body := env.do(t, request{method: http.MethodGet, path: "/v1/audit", apiKey: adminKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var ar AuditResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if len(ar.Logs) < 2 {
		t.Fatalf("got %d logs, want preview and execute", len(ar.Logs))
	}
	for _, entry := range ar.Logs {
		if entry.WorkspaceID != "ws-1" {
			t.Errorf("log %s belongs to %s", entry.ID, entry.WorkspaceID)
		}
	}

	// ws-2's admin sees none of ws-1's records.
	resp, body = env.do(t, request{method: http.MethodGet, path: "/v1/audit", apiKey: otherAdminKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &ar); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if len(ar.Logs) != 0 {
		t.Errorf("ws-2 admin sees %d foreign logs", len(ar.Logs))
	}
}

func TestAudit_BadLimit(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, request{method: http.MethodGet, path: "/v1/audit?limit=zero", apiKey: adminKey})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if errorKind(t, body) != "validation_error" {
		t.Errorf("kind = %s", errorKind(t, body))
	}
}

func TestAudit_SecretNeverAppears(t *testing.T) {
	env := newAPIEnv(t)
	input := `{"name":"world","secret_note":"secret123"}`
	tok := env.previewToken(t, input)
	env.do(t, request{
		method: http.MethodPost, path: "/v1/actions/execute",
		apiKey: memberKey, token: tok, body: `{"input":` + input + `}`,
	})

	resp, body := env.do(t, request{method: http.MethodGet, path: "/v1/audit", apiKey: adminKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if strings.Contains(string(body), "secret123") {
		t.Error("audit response leaks the secret value")
	}
	if !strings.Contains(string(body), schema.Mask) {
		t.Error("audit response does not show the mask placeholder")
	}
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, request{method: http.MethodGet, path: "/healthz"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("body = %s", body)
	}
}
