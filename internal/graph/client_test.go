package graph_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ontopilot/ontopilot/internal/graph"
)

func newClient(t *testing.T, baseURL string, retries int) *graph.AdminClient {
	t.Helper()
	c, err := graph.NewAdminClient(graph.AdminClientConfig{
		BaseURL: baseURL,
		Timeout: time.Second,
		Retries: retries,
	})
	assert.NoError(t, err)
	return c
}

func TestNewAdminClientRequiresBaseURL(t *testing.T) {
	_, err := graph.NewAdminClient(graph.AdminClientConfig{})
	assert.Error(t, err)
}

func TestProvisionRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(graph.Instance{Name: "sb-1", Address: "graph:7687"})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 3)
	inst, err := c.Provision(context.Background(), "sb-1")
	assert.NoError(t, err)
	assert.Equal(t, "graph:7687", inst.Address)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 3)
	err := c.ApplySchema(context.Background(), "graph:7687", []string{"CREATE INDEX ON Order (status)"})
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProvisionRejectsEmptyAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(graph.Instance{Name: "sb-1"})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 0)
	_, err := c.Provision(context.Background(), "sb-1")
	assert.Error(t, err)
}

func TestTeardownTreatsNotFoundAsGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 0)
	assert.NoError(t, c.Teardown(context.Background(), "sb-1"))
}

func TestHealthFillsMissingTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{
			"errorRate":        0.002,
			"p99LatencyMillis": 42,
			"throughput":       1800,
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 0)
	sample, err := c.Health(context.Background(), "graph:7687")
	assert.NoError(t, err)
	assert.Equal(t, 0.002, sample.ErrorRate)
	assert.False(t, sample.Ts.IsZero())
}
