package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/pkg/registry"
	"github.com/taskfleet/taskfleet/pkg/types"
)

func TestActivateRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/managers", r.URL.Path)

		var req registry.ActivateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cluster1", req.Name.Cluster)

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 7}`)
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	id, err := c.Activate(context.Background(), registry.ActivateRequest{
		Name: types.ManagerName{Cluster: "cluster1", Hostname: "h1", UUID: "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func TestErrorResponseCarriesShutdown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error": "manager is not active", "shutdown": true}`)
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	err := c.UpdateResources(context.Background(), "c1-h1-u1", registry.ResourceStats{})
	require.Error(t, err)
	assert.True(t, IsShutdown(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Contains(t, apiErr.Message, "not active")
}

func TestErrorWithoutShutdownIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": "transient"}`)
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	err := c.UpdateResources(context.Background(), "c1-h1-u1", registry.ResourceStats{})
	require.Error(t, err)
	assert.False(t, IsShutdown(err))
}

func TestClaimTasks(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/claim", r.URL.Path)
		fmt.Fprint(w, `{"tasks": [{"id": 1, "tag": "gpu", "status": "assigned"}]}`)
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	claimed, err := c.ClaimTasks(context.Background(), "c1-h1-u1", []string{"gpu"}, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, types.TaskStatusAssigned, claimed[0].Status)
}
