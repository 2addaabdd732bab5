package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/provisioner/internal/api"
	"github.com/bcnelson/provisioner/internal/api/handler"
	"github.com/bcnelson/provisioner/internal/config"
	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/hooks"
	"github.com/bcnelson/provisioner/internal/ledger"
	"github.com/bcnelson/provisioner/internal/logging"
	"github.com/bcnelson/provisioner/internal/queue"
	"github.com/bcnelson/provisioner/internal/service"
	"github.com/bcnelson/provisioner/internal/storage/memory"
)

// testServer creates a test server with in-memory storage
type testServer struct {
	handler http.Handler
	store   *memory.Store
	worker  *queue.Worker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	log := logging.Discard()

	catalog, err := hooks.LoadCatalog(filepath.Join(t.TempDir(), "hooks"))
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	q := queue.New(queue.NewRegistry(), queue.NewStoreBroker(store))
	l := ledger.New(store)
	runner := hooks.NewRunner(store, catalog, config.HookConfig{Timeout: time.Second, Concurrency: 1, LockRetries: 1}, log)
	dispatcher := hooks.NewDispatcher(store, catalog, q, runner, log)
	tags := service.NewTagService(store, log)
	binder := service.NewBinder(store, tags, dispatcher, log)

	worker := queue.NewWorker(q, l, log)
	worker.Rand = func(int64) int64 { return 0 }

	router := api.NewRouter(api.Services{
		Policies: service.NewPolicyService(store, log),
		Nodes:    service.NewNodeService(store, binder, dispatcher, l, q, log),
		Hooks:    hooks.NewHookService(store, catalog, log),
		Ledger:   l,
	}, log)

	return &testServer{handler: router, store: store, worker: worker}
}

func (ts *testServer) request(method, path string, body any) *httptest.ResponseRecorder {
	var reqBody io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) drain(t *testing.T) {
	t.Helper()
	if err := ts.worker.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("GET", "/health", nil)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	resp := decode[map[string]string](t, rr)
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %s", resp["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestCheckin(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("POST", "/svc/checkin", domain.CheckinRequest{HWID: "AA11", Facts: map[string]string{"macaddress": "aa"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[domain.CheckinResponse](t, rr)
	if resp.Node != "node1" {
		t.Errorf("Expected node node1, got %s", resp.Node)
	}
	if resp.Action != service.ActionNone {
		t.Errorf("Expected action none, got %s", resp.Action)
	}
	if resp.CommandID == 0 {
		t.Fatal("Expected a command id")
	}

	ts.drain(t)

	rr = ts.request("GET", "/api/commands/"+strconv.FormatInt(resp.CommandID, 10), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	cmd := decode[domain.Command](t, rr)
	if cmd.Status != domain.CommandFinished {
		t.Errorf("Expected status finished, got %s", cmd.Status)
	}

	rr = ts.request("GET", "/api/nodes/node1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	node := decode[domain.Node](t, rr)
	if node.HWID != "aa11" {
		t.Errorf("Expected normalized hw id aa11, got %s", node.HWID)
	}
	if node.Facts["macaddress"] != "aa" {
		t.Errorf("Expected facts to be recorded, got %v", node.Facts)
	}

	rr = ts.request("GET", "/api/nodes", nil)
	if nodes := decode[[]domain.Node](t, rr); len(nodes) != 1 {
		t.Errorf("Expected 1 node, got %d", len(nodes))
	}

	rr = ts.request("GET", "/api/nodes/node1/log?limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestCheckin_Validation(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("POST", "/svc/checkin", map[string]any{"hw_id": "bad id!"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rr.Code)
	}
	resp := decode[domain.StandardErrorResponse](t, rr)
	if resp.Error.Code != domain.ErrCodeValidationError {
		t.Errorf("Expected code %s, got %s", domain.ErrCodeValidationError, resp.Error.Code)
	}
	if resp.Error.Field != "hw_id" {
		t.Errorf("Expected field hw_id, got %s", resp.Error.Field)
	}
}

func TestCreateTagCommand(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{"name": "big", "rule": []any{"gt", []any{"num", []any{"fact", "memorysize_mb"}}, 1024}}
	rr := ts.request("POST", "/api/commands/create-tag", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[handler.CommandResponse](t, rr)
	if resp.Command == nil || resp.Command.Status != domain.CommandFinished {
		t.Errorf("Expected a finished command, got %+v", resp.Command)
	}
	if resp.Command != nil && resp.Command.Command != "create-tag" {
		t.Errorf("Expected command create-tag, got %s", resp.Command.Command)
	}

	// Same name and rule is idempotent
	rr = ts.request("POST", "/api/commands/create-tag", body)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 for identical create, got %d", rr.Code)
	}

	// Same name, different rule
	rr = ts.request("POST", "/api/commands/create-tag", map[string]any{"name": "big", "rule": []any{"=", []any{"fact", "a"}, "1"}})
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = ts.request("GET", "/api/tags", nil)
	if tags := decode[[]domain.Tag](t, rr); len(tags) != 1 || tags[0].Name != "big" {
		t.Errorf("Expected tag big, got %+v", tags)
	}
}

func TestCommandErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown command", "/api/commands/launch-rockets", nil, http.StatusNotFound, domain.ErrCodeResourceNotFound},
		{"missing name", "/api/commands/create-tag", map[string]any{"rule": []any{"=", []any{"fact", "a"}, "1"}}, http.StatusBadRequest, domain.ErrCodeValidationError},
		{"broken rule", "/api/commands/create-tag", map[string]any{"name": "x", "rule": []any{"nope"}}, http.StatusBadRequest, domain.ErrCodeValidationError},
		{"unknown node", "/api/commands/reinstall-node", map[string]any{"name": "node42"}, http.StatusNotFound, domain.ErrCodeResourceNotFound},
		{"bad node name", "/api/commands/delete-node", map[string]any{"name": "server1"}, http.StatusBadRequest, domain.ErrCodeInvalidInput},
		{"unknown hook type", "/api/commands/create-hook", map[string]any{"name": "h", "hook-type": "nope"}, http.StatusBadRequest, domain.ErrCodeValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.request("POST", tt.path, tt.body)
			if rr.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			resp := decode[domain.StandardErrorResponse](t, rr)
			if resp.Error.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, resp.Error.Code)
			}
		})
	}
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/commands/create-tag", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}

	req = httptest.NewRequest("POST", "/api/commands/create-tag", strings.NewReader("name=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status 415, got %d", rr.Code)
	}
}

func TestQueuedNodeCommand(t *testing.T) {
	ts := newTestServer(t)

	if rr := ts.request("POST", "/svc/checkin", domain.CheckinRequest{HWID: "bb22"}); rr.Code != http.StatusOK {
		t.Fatalf("Checkin failed: %d %s", rr.Code, rr.Body.String())
	}
	ts.drain(t)

	rr := ts.request("POST", "/api/commands/modify-node-metadata", map[string]any{
		"node":   "node1",
		"update": map[string]string{"rack": "r7"},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	cmd := decode[domain.Command](t, rr)
	if cmd.Status != domain.CommandPending {
		t.Errorf("Expected status pending, got %s", cmd.Status)
	}

	ts.drain(t)

	rr = ts.request("GET", "/api/commands/"+strconv.FormatInt(cmd.ID, 10), nil)
	if got := decode[domain.Command](t, rr); got.Status != domain.CommandFinished {
		t.Errorf("Expected status finished, got %s", got.Status)
	}

	node, err := ts.store.GetNode(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.Metadata["rack"] != "r7" {
		t.Errorf("Expected metadata rack=r7, got %v", node.Metadata)
	}
}

func TestSyncCommand_RedactsSecrets(t *testing.T) {
	ts := newTestServer(t)

	if rr := ts.request("POST", "/svc/checkin", domain.CheckinRequest{HWID: "cc33"}); rr.Code != http.StatusOK {
		t.Fatalf("Checkin failed: %d %s", rr.Code, rr.Body.String())
	}
	ts.drain(t)

	rr := ts.request("POST", "/api/commands/set-node-ipmi-credentials", map[string]any{
		"name":          "node1",
		"ipmi-hostname": "bmc1.example.com",
		"ipmi-username": "admin",
		"ipmi-password": "hunter2",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[handler.CommandResponse](t, rr)

	rr = ts.request("GET", "/api/commands/"+strconv.FormatInt(resp.Command.ID, 10), nil)
	if strings.Contains(rr.Body.String(), "hunter2") {
		t.Errorf("Expected the password to be redacted, got %s", rr.Body.String())
	}
	got := decode[domain.Command](t, rr)
	if got.Params["ipmi-password"] != ledger.Redacted {
		t.Errorf("Expected ipmi-password to be redacted, got %v", got.Params["ipmi-password"])
	}
	if got.Params["ipmi-username"] != "admin" {
		t.Errorf("Expected ipmi-username to be kept, got %v", got.Params["ipmi-username"])
	}

	node, err := ts.store.GetNode(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.IPMIPassword != "hunter2" {
		t.Errorf("Expected the node to keep the real password, got %q", node.IPMIPassword)
	}
}

func TestCancelCommand(t *testing.T) {
	ts := newTestServer(t)

	if rr := ts.request("POST", "/svc/checkin", domain.CheckinRequest{HWID: "dd44"}); rr.Code != http.StatusOK {
		t.Fatalf("Checkin failed: %d %s", rr.Code, rr.Body.String())
	}
	ts.drain(t)

	rr := ts.request("POST", "/api/commands/modify-node-metadata", map[string]any{
		"node":   "node1",
		"update": map[string]string{"rack": "r9"},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	queued := decode[domain.Command](t, rr)

	rr = ts.request("POST", "/api/commands/cancel-command", map[string]any{"id": queued.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	ts.drain(t)

	rr = ts.request("GET", "/api/commands/"+strconv.FormatInt(queued.ID, 10), nil)
	if got := decode[domain.Command](t, rr); got.Status != domain.CommandCancelled {
		t.Errorf("Expected status cancelled, got %s", got.Status)
	}
	node, err := ts.store.GetNode(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if _, ok := node.Metadata["rack"]; ok {
		t.Errorf("Expected the cancelled change not to apply, got %v", node.Metadata)
	}

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"already ended", map[string]any{"id": queued.ID}, http.StatusConflict},
		{"missing id", map[string]any{}, http.StatusBadRequest},
		{"unknown id", map[string]any{"id": 999}, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := ts.request("POST", "/api/commands/cancel-command", tc.body)
			if rr.Code != tc.want {
				t.Errorf("Expected status %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestGetCommand_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("GET", "/api/commands/999", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}

	rr = ts.request("GET", "/api/commands/abc", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
}

func TestEmptyCollections(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/nodes", "/api/policies", "/api/tags", "/api/hooks"} {
		rr := ts.request("GET", path, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, rr.Code)
			continue
		}
		if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
			t.Errorf("%s: expected [], got %s", path, body)
		}
	}
}

func TestNodeLog_InvalidLimit(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("GET", "/api/nodes/node1/log?limit=-3", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
}
