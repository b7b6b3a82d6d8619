package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubently/kubently/internal/api/middleware"
	"github.com/kubently/kubently/internal/auth"
	"github.com/kubently/kubently/internal/config"
	"github.com/kubently/kubently/internal/models"
	"github.com/kubently/kubently/internal/pkg/audit"
	"github.com/kubently/kubently/internal/repository"
	"github.com/kubently/kubently/internal/service"
)

// testEnv spins up the full router against miniredis: real middleware, real
// services, real notifier. Tests talk HTTP only, the way clients and
// executors do.
type testEnv struct {
	t        *testing.T
	srv      *httptest.Server
	mr       *miniredis.Miniredis
	store    *repository.Store
	registry *auth.TokenRegistry
}

func newTestEnv(t *testing.T, admins []string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewFromClient(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}), discard)
	notifier := repository.NewNotifier(store.Client(), discard)

	ctx, cancel := context.WithCancel(context.Background())
	ndone := make(chan struct{})
	go func() {
		defer close(ndone)
		_ = notifier.Run(ctx)
	}()

	trail := audit.New(store)
	keys, err := auth.ParseAPIKeys([]string{"admin:admin-key", "svc:svc-key"})
	require.NoError(t, err)
	jwtV, err := auth.NewJWTVerifier(context.Background(), auth.JWTConfig{Enabled: false}, discard)
	require.NoError(t, err)
	registry := auth.NewTokenRegistry(store)
	verifier := auth.NewVerifier(jwtV, keys, registry, trail, admins)

	cfg := &config.Config{
		SessionTTLSeconds:      300,
		CommandTimeoutSeconds:  5,
		ResultTTLSeconds:       60,
		MaxCommandsPerFetch:    10,
		LongPollTimeoutSeconds: 5,
		APIKeys:                []string{"admin:admin-key", "svc:svc-key"},
		PingIntervalSec:        1,
	}
	sessions := service.NewSessionService(store, trail, cfg.SessionTTLSeconds, discard)
	queue := service.NewQueueService(store, notifier,
		time.Duration(cfg.ResultTTLSeconds)*time.Second, cfg.MaxCommandsPerFetch, discard)

	h := NewHandler(cfg, sessions, queue, store, notifier, verifier, registry, trail)
	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	SetupRoutes(router, h, middleware.NewRateLimiter(middleware.RateLimits{
		ExecutePerMin: 60000, ExecuteBurst: 1000, StandardPerMin: 60000, StandardBurst: 1000,
	}))

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		_ = notifier.Close()
		<-ndone
		_ = store.Close()
	})
	return &testEnv{t: t, srv: srv, mr: mr, store: store, registry: registry}
}

func clientHeaders() map[string]string {
	return map[string]string{"X-API-Key": "admin-key"}
}

// registerExecutor issues a token for the cluster and returns the headers an
// executor would send.
func (e *testEnv) registerExecutor(clusterID string) map[string]string {
	e.t.Helper()
	tok, err := e.registry.Issue(context.Background(), clusterID, "")
	require.NoError(e.t, err)
	return map[string]string{
		"Authorization": "Bearer " + tok,
		"X-Cluster-ID":  clusterID,
	}
}

func (e *testEnv) do(method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	resp.Body.Close()

	var decoded map[string]interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

// runFakeExecutor long-polls the agent surface and answers every command via
// handle, posting results back the way the in-cluster executor does. Stops
// when ctx is canceled.
func (e *testEnv) runFakeExecutor(ctx context.Context, headers map[string]string, handle func(models.Command) models.CommandResult) {
	client := e.srv.Client()
	go func() {
		for ctx.Err() == nil {
			req, err := http.NewRequestWithContext(ctx, "GET", e.srv.URL+"/agent/commands?wait=1", nil)
			if err != nil {
				return
			}
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			resp, err := client.Do(req)
			if err != nil {
				return
			}
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				continue
			}
			var payload struct {
				Commands []models.Command `json:"commands"`
			}
			err = json.NewDecoder(resp.Body).Decode(&payload)
			resp.Body.Close()
			if err != nil {
				return
			}
			for _, cmd := range payload.Commands {
				res := handle(cmd)
				res.CommandID = cmd.ID
				body, _ := json.Marshal(map[string]interface{}{
					"command_id": cmd.ID,
					"result":     res,
				})
				post, err := http.NewRequestWithContext(ctx, "POST", e.srv.URL+"/agent/results", bytes.NewReader(body))
				if err != nil {
					return
				}
				post.Header.Set("Content-Type", "application/json")
				for k, v := range headers {
					post.Header.Set(k, v)
				}
				if pr, err := client.Do(post); err == nil {
					pr.Body.Close()
				}
			}
		}
	}()
}

func errorCode(body map[string]interface{}) string {
	details, _ := body["details"].(map[string]interface{})
	code, _ := details["code"].(string)
	return code
}

func TestSessionEndpoints_Lifecycle(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.do("POST", "/debug/session", map[string]interface{}{
		"cluster_id":     "kind",
		"correlation_id": "corr-42",
		"ttl_seconds":    120,
	}, clientHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "kind", body["cluster_id"])
	assert.Equal(t, "admin", body["user_id"], "identity should default to the authenticated caller")
	assert.EqualValues(t, 120, body["ttl_seconds"])

	resp, body = e.do("GET", "/debug/session/"+id, nil, clientHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["session_id"])

	resp, _ = e.do("DELETE", "/debug/session/"+id, nil, clientHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do("GET", "/debug/session/"+id, nil, clientHeaders())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestClientAuth_Required(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, path := range []string{"/debug/clusters", "/debug/session/x"} {
		resp, body := e.do("GET", path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "UNAUTHORIZED", errorCode(body), path)
	}
	resp, _ := e.do("GET", "/debug/clusters", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateSession_RejectsBadClusterID(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, bad := range []string{"Bad_Cluster", "UPPER", "has space", "-lead"} {
		resp, body := e.do("POST", "/debug/session",
			map[string]interface{}{"cluster_id": bad}, clientHeaders())
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
		assert.Equal(t, "INVALID_REQUEST", errorCode(body), bad)
	}
}

func TestExecute_SyncRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)
	execHeaders := e.registerExecutor("kind")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.runFakeExecutor(ctx, execHeaders, func(cmd models.Command) models.CommandResult {
		return models.CommandResult{Success: true, Output: "pod-a Running", ExecutionTimeMS: 12}
	})

	resp, body := e.do("POST", "/debug/execute", map[string]interface{}{
		"cluster_id":      "kind",
		"command_type":    "get",
		"args":            []string{"pods"},
		"namespace":       "default",
		"timeout_seconds": 5,
	}, clientHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "pod-a Running", body["output"])
	assert.NotEmpty(t, body["command_id"])
	assert.Equal(t, "kind", body["cluster_id"])
}

func TestExecute_FailureStatusPropagates(t *testing.T) {
	e := newTestEnv(t, nil)
	execHeaders := e.registerExecutor("kind")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.runFakeExecutor(ctx, execHeaders, func(cmd models.Command) models.CommandResult {
		msg := `Error from server (NotFound): pods "ghost" not found`
		code := 1
		return models.CommandResult{Success: false, Error: &msg, ExitCode: &code}
	})

	resp, body := e.do("POST", "/debug/execute", map[string]interface{}{
		"cluster_id":      "kind",
		"command_type":    "get",
		"args":            []string{"pods", "ghost"},
		"timeout_seconds": 5,
	}, clientHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode, "executor failure is still a transport success")
	assert.Equal(t, "failure", body["status"])
	assert.EqualValues(t, 1, body["exit_code"])
}

func TestExecute_RejectsForbiddenCommands(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registerExecutor("kind")

	cases := map[string]map[string]interface{}{
		"write verb": {
			"cluster_id": "kind", "command_type": "delete", "args": []string{"pod", "x"},
		},
		"credential flag": {
			"cluster_id": "kind", "command_type": "get", "args": []string{"pods", "--token=abc"},
		},
		"kubeconfig override": {
			"cluster_id": "kind", "command_type": "get", "args": []string{"pods", "--kubeconfig", "/tmp/kc"},
		},
		"shell metacharacters": {
			"cluster_id": "kind", "command_type": "get", "args": []string{"pods && rm -rf /"},
		},
		"sensitive path": {
			"cluster_id": "kind", "command_type": "get", "args": []string{"/etc/kubernetes/admin.conf"},
		},
		"impersonation": {
			"cluster_id": "kind", "command_type": "get", "args": []string{"pods", "--as=system:admin"},
		},
	}
	for name, req := range cases {
		resp, body := e.do("POST", "/debug/execute", req, clientHeaders())
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, name)
		assert.Equal(t, "COMMAND_REJECTED", errorCode(body), name)
	}
}

// Mode-gated verbs like rollout pass the coordinator pre-check and reach the
// executor, whose own whitelist makes the mode call.
func TestExecute_RolloutReachesExecutor(t *testing.T) {
	e := newTestEnv(t, nil)
	execHeaders := e.registerExecutor("kind")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.runFakeExecutor(ctx, execHeaders, func(cmd models.Command) models.CommandResult {
		return models.CommandResult{Success: true, Output: `deployment "web" successfully rolled out`}
	})

	resp, body := e.do("POST", "/debug/execute", map[string]interface{}{
		"cluster_id":      "kind",
		"command_type":    "rollout",
		"args":            []string{"status", "deploy/web"},
		"timeout_seconds": 5,
	}, clientHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	assert.Equal(t, "success", body["status"])
}

// Warm round trips should complete well under half a second. The bound is a
// smoke check against the in-process stack, not a production benchmark, so
// the tail is logged and only an upper percentile is asserted.
func TestExecute_WarmRoundTripLatency(t *testing.T) {
	e := newTestEnv(t, nil)
	execHeaders := e.registerExecutor("kind")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.runFakeExecutor(ctx, execHeaders, func(cmd models.Command) models.CommandResult {
		return models.CommandResult{Success: true, Output: "ok"}
	})

	run := func() time.Duration {
		start := time.Now()
		resp, body := e.do("POST", "/debug/execute", map[string]interface{}{
			"cluster_id":      "kind",
			"command_type":    "get",
			"args":            []string{"pods"},
			"timeout_seconds": 5,
		}, clientHeaders())
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
		return time.Since(start)
	}

	run() // warm-up: first pull establishes the long-poll loop

	samples := make([]time.Duration, 10)
	for i := range samples {
		samples[i] = run()
	}
	slices.Sort(samples)
	t.Logf("warm round trips: median=%v p90=%v max=%v",
		samples[len(samples)/2], samples[8], samples[len(samples)-1])
	assert.Less(t, samples[8], 500*time.Millisecond,
		"warm round-trip p90 exceeded the latency bound")
}

func TestExecute_UnknownClusterIs404(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do("POST", "/debug/execute", map[string]interface{}{
		"cluster_id":   "nowhere",
		"command_type": "get",
		"args":         []string{"pods"},
	}, clientHeaders())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestExecute_TimeoutLeavesPollableOperation(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registerExecutor("kind") // registered, but nothing consuming

	resp, body := e.do("POST", "/debug/execute", map[string]interface{}{
		"cluster_id":      "kind",
		"command_type":    "get",
		"args":            []string{"pods"},
		"timeout_seconds": 1,
	}, clientHeaders())
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Equal(t, "TIMEOUT", errorCode(body))

	details := body["details"].(map[string]interface{})
	cmdID, _ := details["command_id"].(string)
	require.NotEmpty(t, cmdID)
	assert.Equal(t, "/debug/operations/"+cmdID, details["poll_url"])

	// Tracking is still alive, so the operation reports pending.
	resp, body = e.do("GET", "/debug/operations/"+cmdID, nil, clientHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
}

func TestExecuteAsync_OperationLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	execHeaders := e.registerExecutor("kind")

	resp, body := e.do("POST", "/debug/execute/async", map[string]interface{}{
		"cluster_id":   "kind",
		"command_type": "logs",
		"args":         []string{"pod/web-0"},
	}, clientHeaders())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	opID, _ := body["operation_id"].(string)
	require.NotEmpty(t, opID)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "/debug/operations/"+opID, body["poll_url"])

	resp, body = e.do("GET", "/debug/operations/"+opID, nil, clientHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "kind", body["cluster_id"])

	resp, _ = e.do("POST", "/agent/results", map[string]interface{}{
		"command_id": opID,
		"result": models.CommandResult{
			CommandID: opID, Success: true, Output: "log line",
		},
	}, execHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do("GET", "/debug/operations/"+opID, nil, clientHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "log line", result["output"])
}

func TestGetOperation_Unknown404(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do("GET", "/debug/operations/no-such-op", nil, clientHeaders())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestListClusters_MarksActive(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registerExecutor("alpha")
	e.registerExecutor("beta")

	resp, _ := e.do("POST", "/debug/session",
		map[string]interface{}{"cluster_id": "alpha"}, clientHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := e.do("GET", "/debug/clusters", nil, clientHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []interface{}{"alpha", "beta"}, body["clusters"])
	assert.ElementsMatch(t, []interface{}{"alpha"}, body["active"])
}

func TestAdminToken_IssueAndRevoke(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.do("POST", "/admin/agents/kind/token", nil, clientHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token, _ := body["token"].(string)
	assert.GreaterOrEqual(t, len(token), 32)
	assert.Equal(t, "kind", body["cluster_id"])

	resp, body = e.do("POST", "/admin/agents/kind/token", nil, clientHeaders())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(body))

	resp, _ = e.do("DELETE", "/admin/agents/kind/token", nil, clientHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = e.do("DELETE", "/admin/agents/kind/token", nil, clientHeaders())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestAdminToken_ScopeEnforced(t *testing.T) {
	e := newTestEnv(t, []string{"admin"})

	resp, body := e.do("POST", "/admin/agents/kind/token", nil,
		map[string]string{"X-API-Key": "svc-key"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCode(body))

	resp, _ = e.do("POST", "/admin/agents/kind/token", nil, clientHeaders())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAgentStatus_ReflectsSessions(t *testing.T) {
	e := newTestEnv(t, nil)
	execHeaders := e.registerExecutor("kind")

	resp, body := e.do("GET", "/agent/status", nil, execHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["is_active"])
	assert.EqualValues(t, 0, body["queue_depth"])

	_, _ = e.do("POST", "/debug/session",
		map[string]interface{}{"cluster_id": "kind"}, clientHeaders())

	resp, body = e.do("GET", "/agent/status", nil, execHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["is_active"])
}

func TestAgentCommands_DrainAnd204(t *testing.T) {
	e := newTestEnv(t, nil)
	execHeaders := e.registerExecutor("kind")

	for i := 0; i < 2; i++ {
		resp, _ := e.do("POST", "/debug/execute/async", map[string]interface{}{
			"cluster_id":   "kind",
			"command_type": "get",
			"args":         []string{"pods"},
		}, clientHeaders())
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, body := e.do("GET", "/agent/commands", nil, execHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])

	resp, _ = e.do("GET", "/agent/commands", nil, execHeaders)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAgentCommands_RejectsBadWait(t *testing.T) {
	e := newTestEnv(t, nil)
	execHeaders := e.registerExecutor("kind")
	for _, bad := range []string{"-1", "abc"} {
		resp, body := e.do("GET", "/agent/commands?wait="+bad, nil, execHeaders)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
		assert.Equal(t, "INVALID_REQUEST", errorCode(body), bad)
	}
}

func TestExecutorAuth_Rejected(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registerExecutor("kind")

	resp, body := e.do("GET", "/agent/commands", nil, map[string]string{
		"Authorization": "Bearer wrong-token",
		"X-Cluster-ID":  "kind",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))
}

func TestSubmitResult_ExpiredTracking404(t *testing.T) {
	e := newTestEnv(t, nil)
	execHeaders := e.registerExecutor("kind")

	resp, body := e.do("POST", "/agent/results", map[string]interface{}{
		"command_id": "long-gone",
		"result":     models.CommandResult{CommandID: "long-gone", Success: true},
	}, execHeaders)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do("GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["state_store"])
	assert.NotEmpty(t, body["version"])

	e.mr.Close()
	resp, body = e.do("GET", "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "unreachable", body["state_store"])
}

func TestAuthDiscovery(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do("GET", "/.well-known/kubently-auth", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["authentication_methods"], "api_key")

	apiKey := body["api_key"].(map[string]interface{})
	assert.Equal(t, "X-API-Key", apiKey["header"])
	oauth := body["oauth"].(map[string]interface{})
	assert.Equal(t, false, oauth["enabled"])
}

func TestRequestID_EchoedOnResponses(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, _ := e.do("GET", "/health", nil, map[string]string{"X-Request-ID": "req-echo-1"})
	assert.Equal(t, "req-echo-1", resp.Header.Get("X-Request-ID"))

	resp, _ = e.do("GET", "/health", nil, nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), "server should mint an id when none supplied")
}
