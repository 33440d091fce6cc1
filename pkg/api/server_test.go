package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/pkg/registry"
	"github.com/taskfleet/taskfleet/pkg/storage"
	"github.com/taskfleet/taskfleet/pkg/tasks"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	taskSvc := tasks.NewService(store)
	reg := registry.New(store, taskSvc, nil, registry.Limits{Managers: 10, ManagerLogs: 50})

	ts := httptest.NewServer(NewServer(reg, taskSvc, nil).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func activateBody(uuid string) map[string]any {
	return map[string]any{
		"name": map[string]string{
			"cluster":  "cluster1",
			"hostname": "host1",
			"uuid":     uuid,
		},
		"manager_version":          "v1.0",
		"execution_engine_version": "v2.0",
		"programs":                 map[string]string{"psi4": "1.9"},
		"tags":                     []string{"*"},
	}
}

func TestActivateEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/managers", activateBody("u1"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), body["id"])
}

func TestActivateDuplicateReturnsConflictWithShutdown(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/managers", activateBody("u1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/managers", activateBody("u1"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, true, body["shutdown"])
}

func TestActivateInvalidConfigReturnsBadRequest(t *testing.T) {
	ts := newTestServer(t)

	req := activateBody("u1")
	req["tags"] = []string{}
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/managers", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["shutdown"])
}

func TestUpdateResourcesEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/managers", activateBody("u1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPatch,
		ts.URL+"/v1/managers/cluster1-host1-u1/resources",
		map[string]any{"total_worker_walltime": 10.5, "active_tasks": 2})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A heartbeat from a never-registered name is a shutdown directive.
	resp, body := doJSON(t, http.MethodPatch,
		ts.URL+"/v1/managers/cluster1-host1-ghost/resources",
		map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, true, body["shutdown"])
}

func TestDeactivateEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/managers", activateBody("u1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/managers/deactivate",
		map[string]any{"names": []string{"cluster1-host1-u1"}, "reason": "drained"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	deactivated := body["deactivated"].([]any)
	require.Len(t, deactivated, 1)
	assert.Equal(t, "cluster1-host1-u1", deactivated[0])

	// A heartbeat after deactivation conflicts and orders a shutdown.
	resp, body = doJSON(t, http.MethodPatch,
		ts.URL+"/v1/managers/cluster1-host1-u1/resources",
		map[string]any{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, true, body["shutdown"])
}

func TestGetEndpointMissingOk(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/managers", activateBody("u1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/managers/get", map[string]any{
		"names":      []string{"cluster1-host1-u1", "nope"},
		"missing_ok": true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	managers := body["managers"].([]any)
	require.Len(t, managers, 2)
	assert.NotNil(t, managers[0])
	assert.Nil(t, managers[1])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/managers/get", map[string]any{
		"names": []string{"nope"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueryEndpoint(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/managers",
			activateBody(fmt.Sprintf("u%d", i)))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/managers/query", map[string]any{
		"statuses":   []string{"active"},
		"projection": map[string]any{"include": []string{"name"}},
		"limit":      2,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(3), meta["n_found"])
	assert.Equal(t, float64(2), meta["n_returned"])

	managers := body["managers"].([]any)
	require.Len(t, managers, 2)
	first := managers[0].(map[string]any)
	assert.Len(t, first, 1)
	assert.Contains(t, first, "name")
}

func TestGetTooManyNamesReturns413(t *testing.T) {
	ts := newTestServer(t)

	names := make([]string, 11)
	for i := range names {
		names[i] = fmt.Sprintf("m-%d", i)
	}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/managers/get",
		map[string]any{"names": names, "missing_ok": true})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestTaskEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks",
		map[string]any{"tag": "gpu", "payload": "job"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(body["id"].(float64))

	// Empty tag is rejected before touching the pool.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/tasks",
		map[string]any{"payload": "job"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/claim",
		map[string]any{"manager": "mgr-1", "tags": []string{"gpu"}, "limit": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claimed := body["tasks"].([]any)
	require.Len(t, claimed, 1)

	resp, _ = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/tasks/%d/complete", ts.URL, id),
		map[string]any{"status": "waiting"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/tasks/%d/complete", ts.URL, id),
		map[string]any{"status": "complete"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestQueryLogsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/managers", activateBody("u1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPatch,
		ts.URL+"/v1/managers/cluster1-host1-u1/resources",
		map[string]any{"active_tasks": 1})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet,
		ts.URL+"/v1/managers/cluster1-host1-u1/logs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), meta["n_found"])

	resp, _ = doJSON(t, http.MethodGet,
		ts.URL+"/v1/managers/cluster1-host1-u1/logs?before=notatime", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
