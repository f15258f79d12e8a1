package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamline/internal/audit"
	"teamline/internal/config"
	"teamline/internal/db"
	"teamline/internal/domain"
	"teamline/internal/engine"
	"teamline/internal/logging"
	"teamline/internal/metrics"
	"teamline/internal/migrate"
	"teamline/internal/policy"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	e, err := engine.New(conn, cfg)
	require.NoError(t, err)
	e.Metrics = m
	e.Logger = logging.Discard()
	sink := audit.SinkFunc(func(evt domain.AuditEvent) {
		assert.NoError(t, e.Repo.InsertAuditEvent(context.Background(), evt))
	})
	p, err := policy.New(cfg, policy.Options{State: e.Repo, Sink: sink, Logger: logging.Discard(), Metrics: m})
	require.NoError(t, err)
	handler, err := New(Config{Engine: e, Policy: p, BasePath: "/v0", Auth: authCfg, Gatherer: reg, Logger: logging.Discard()})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	s := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func (s *testServer) post(t *testing.T, path string, body any, want int) []byte {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0"+path, body, nil)
	require.Equal(t, want, res.StatusCode, "POST %s: %s", path, string(data))
	return data
}

func TestBoardFlow(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	srv.post(t, "/missions", map[string]any{"id": "M-1", "wip_limits": map[string]int{"implementing": 1}}, http.StatusCreated)
	for _, id := range []string{"A", "B"} {
		srv.post(t, "/items", map[string]any{"id": id, "mission_id": "M-1", "title": "item " + id}, http.StatusCreated)
		for _, to := range []string{"ready", "testing"} {
			srv.post(t, "/items/"+id+"/move", map[string]any{"to": to}, http.StatusOK)
		}
	}
	data := srv.post(t, "/items/A/move", map[string]any{"to": "implementing"}, http.StatusOK)
	var moved engine.MoveResult
	require.NoError(t, json.Unmarshal(data, &moved))
	assert.True(t, moved.Success)
	assert.Equal(t, domain.StageTesting, moved.From)
	assert.Equal(t, domain.StageImplementing, moved.To)

	data = srv.post(t, "/items/B/move", map[string]any{"to": "implementing"}, http.StatusConflict)
	env := decodeError(t, data)
	assert.Equal(t, "WIP_LIMIT_EXCEEDED", env.Error.Code)
	assert.Equal(t, "WIP limit (1) exceeded for stage implementing", env.Error.Message)

	data = srv.post(t, "/items/B/move", map[string]any{"to": "done"}, http.StatusUnprocessableEntity)
	env = decodeError(t, data)
	assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)
	assert.NotEmpty(t, env.Error.Details["hint"])

	data = srv.post(t, "/items/missing/move", map[string]any{"to": "ready"}, http.StatusNotFound)
	assert.Equal(t, "ITEM_NOT_FOUND", decodeError(t, data).Error.Code)

	srv.post(t, "/items/B/claim", map[string]any{"agent": "murdock"}, http.StatusOK)
	data = srv.post(t, "/items/B/claim", map[string]any{"agent": "ba"}, http.StatusConflict)
	env = decodeError(t, data)
	assert.Equal(t, "ALREADY_CLAIMED", env.Error.Code)
	assert.Equal(t, "already claimed by murdock", env.Error.Message)
	srv.post(t, "/items/B/release", nil, http.StatusOK)
	srv.post(t, "/items/B/release", nil, http.StatusOK)

	data = srv.post(t, "/items/B/reject", map[string]any{"reason": "flaky", "agent": "lynch", "return_to": "ready"}, http.StatusUnprocessableEntity)
	assert.Equal(t, "INVALID_TRANSITION", decodeError(t, data).Error.Code)
	srv.post(t, "/items/B/reject", map[string]any{"reason": "flaky", "agent": "lynch"}, http.StatusOK)
	data = srv.post(t, "/items/B/reject", map[string]any{"reason": "still flaky", "agent": "lynch"}, http.StatusOK)
	var rejected engine.RejectResult
	require.NoError(t, json.Unmarshal(data, &rejected))
	assert.True(t, rejected.Escalated)
	assert.Equal(t, domain.StageBlocked, rejected.Item.Stage)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items?stage=blocked", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list struct {
		Items []domain.WorkItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "B", list.Items[0].ID)

	data = srv.post(t, "/missions/M-1/complete", nil, http.StatusUnprocessableEntity)
	assert.Equal(t, "MISSION_INCOMPLETE", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "teamline_board_escalations_total")
}

func TestCompletedMissionRefusesItems(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	srv.post(t, "/missions", map[string]any{"id": "M-1"}, http.StatusCreated)
	srv.post(t, "/missions/M-1/final-review", map[string]any{"verdict": "approved"}, http.StatusOK)
	srv.post(t, "/missions/M-1/postcheck", map[string]any{"passed": true, "checks": []string{"lint"}}, http.StatusOK)
	srv.post(t, "/missions/M-1/complete", nil, http.StatusOK)

	data := srv.post(t, "/items", map[string]any{"id": "late", "mission_id": "M-1", "title": "late"}, http.StatusUnprocessableEntity)
	env := decodeError(t, data)
	assert.Equal(t, "MISSION_COMPLETE", env.Error.Code)
	assert.Equal(t, "cannot create item: mission M-1 is complete", env.Error.Message)
}

func TestPolicyDecide(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	hook := map[string]any{
		"hook_event_name": "PreToolUse",
		"tool_name":       "Write",
		"tool_input":      map[string]any{"file_path": "src/main.go"},
		"cwd":             "/work",
	}
	decide := func() domain.PolicyDecision {
		t.Helper()
		var dec domain.PolicyDecision
		require.NoError(t, json.Unmarshal(srv.post(t, "/policy/decide", hook, http.StatusOK), &dec))
		return dec
	}

	dec := decide()
	assert.True(t, dec.Allow, "no active mission: %+v", dec)

	srv.post(t, "/missions", map[string]any{"id": "M-1"}, http.StatusCreated)
	dec = decide()
	assert.False(t, dec.Allow)
	assert.Equal(t, "implementation must be delegated to ba", dec.Reason)
	assert.NotEmpty(t, dec.CorrelationID)

	hook["agent_type"] = "ai-team:ba"
	dec = decide()
	assert.True(t, dec.Allow, "implementer writes source: %+v", dec)

	res, raw := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit?status=denied", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(raw))
	var audits struct {
		Items []domain.AuditEvent `json:"items"`
	}
	require.NoError(t, json.Unmarshal(raw, &audits))
	require.Len(t, audits.Items, 1)
	assert.Equal(t, domain.AuditDenied, audits.Items[0].Status)
	assert.Equal(t, "unknown", audits.Items[0].AgentName)
}

func TestAuthRequiresMatchingToken(t *testing.T) {
	secret := "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, "health stays open")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := IssueToken(secret, "murdock", time.Hour)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", map[string]any{"id": "A", "title": "a"}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/A/claim", map[string]any{"agent": "ba"}, auth)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/A/claim", map[string]any{}, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var claimed engine.ClaimResult
	require.NoError(t, json.Unmarshal(data, &claimed))
	assert.Equal(t, "murdock", claimed.Agent)
}

func TestValidationErrorsUseEnvelope(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	data := srv.post(t, "/items", map[string]any{"title": "x", "stage": "review"}, http.StatusUnprocessableEntity)
	env := decodeError(t, data)
	assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)
	assert.Equal(t, "backlog", env.Error.Details["hint"])

	data = srv.post(t, "/items", map[string]any{"description": "no title"}, http.StatusBadRequest)
	assert.NotEmpty(t, decodeError(t, data).Error.Code, string(data))

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/missions/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "MISSION_NOT_FOUND", decodeError(t, data).Error.Code)
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	const n = 8
	bodies := make([][]byte, n)
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if !assert.NoError(t, err) {
				return
			}
			defer res.Body.Close()
			codes[i] = res.StatusCode
			bodies[i], err = io.ReadAll(res.Body)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, http.StatusOK, codes[i])
		assert.Equal(t, bodies[0], bodies[i])
	}
	var doc map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &doc))
	assert.Contains(t, doc, "paths")
}
