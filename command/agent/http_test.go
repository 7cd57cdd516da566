// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/hashicorp/stratus/ci"
	"github.com/hashicorp/stratus/helper/testlog"
	"github.com/hashicorp/stratus/stratus/structs"
)

// testServer boots a full agent with the mock runtime on an ephemeral
// port.
func testServer(t *testing.T) *HTTPServer {
	config := DefaultConfig()
	config.Port = 0
	config.Nodes = []*NodeConfig{
		{ID: "node-1", Region: "us-east", CPUCores: 8, MemoryMB: 16384, StorageGB: 100},
		{ID: "node-2", Region: "us-west", CPUCores: 8, MemoryMB: 16384, StorageGB: 100},
	}

	agent, err := NewAgent(config, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(agent.Shutdown)

	srv, err := NewHTTPServer(agent, config)
	must.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func httpJSON(t *testing.T, method, url string, body interface{}, out interface{}) *http.Response {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		must.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, buf)
	must.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	must.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	must.NoError(t, err)
	if out != nil && len(raw) > 0 && resp.StatusCode < 400 {
		must.NoError(t, json.Unmarshal(raw, out))
	}
	return resp
}

func createRequest(name string) *DeploymentCreateRequest {
	return &DeploymentCreateRequest{
		Name:           name,
		UserID:         "user-1",
		ContainerImage: "nginx:1.27",
		Replicas:       1,
		Resources:      &Resources{CPUCores: 1, MemoryMB: 1024, StorageGB: 10},
	}
}

func waitRunning(t *testing.T, base, id string) {
	t.Helper()
	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool {
			var detail DeploymentDetail
			resp := httpJSON(t, http.MethodGet, base+"/v1/deployment/"+id, nil, &detail)
			return resp.StatusCode == http.StatusOK &&
				detail.Status == structs.DeploymentStatusRunning
		}),
		wait.Timeout(5*time.Second),
		wait.Gap(10*time.Millisecond),
	))
}

func TestHTTP_DeploymentLifecycle(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)
	base := "http://" + srv.Addr

	// Create.
	var created Deployment
	resp := httpJSON(t, http.MethodPost, base+"/v1/deployments", createRequest("web"), &created)
	must.Eq(t, http.StatusCreated, resp.StatusCode)
	must.Eq(t, structs.DeploymentStatusPending, created.Status)
	must.NotEq(t, "", created.ID)

	waitRunning(t, base, created.ID)

	// Detail includes envelope and replicas.
	var detail DeploymentDetail
	resp = httpJSON(t, http.MethodGet, base+"/v1/deployment/"+created.ID, nil, &detail)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Eq(t, 1, detail.RunningReplicas)
	must.Len(t, 1, detail.Replicas)
	must.NotNil(t, detail.Resources)
	must.Eq(t, 1024, detail.Resources.MemoryMB)

	// Scale up.
	var scaled Deployment
	resp = httpJSON(t, http.MethodPost, base+"/v1/deployment/"+created.ID+"/scale",
		&DeploymentScaleRequest{Replicas: 2, UserID: "user-1"}, &scaled)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Eq(t, 2, scaled.TargetReplicas)

	// History shows the lifecycle chain plus the scale row.
	var history []*StatusHistory
	resp = httpJSON(t, http.MethodGet, base+"/v1/deployment/"+created.ID+"/status-history", nil, &history)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Len(t, 4, history)
	must.Eq(t, "scaled from 1 to 2", history[3].Reason)

	// List for the user.
	var list []*Deployment
	resp = httpJSON(t, http.MethodGet, base+"/v1/deployments?user_id=user-1", nil, &list)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Len(t, 1, list)

	// Delete returns the cleanup summary and soft deletes.
	var deleted DeploymentDeleteResponse
	resp = httpJSON(t, http.MethodDelete,
		base+"/v1/deployment/"+created.ID+"?user_id=user-1", nil, &deleted)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.True(t, deleted.Cleanup.CleanupCompleted)
	must.Eq(t, structs.DeploymentStatusDeleted, deleted.Deployment.Status)

	// Gone from the default listing.
	resp = httpJSON(t, http.MethodGet, base+"/v1/deployments?user_id=user-1", nil, &list)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Len(t, 0, list)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)
	base := "http://" + srv.Addr

	// Unknown deployment is a 404.
	resp := httpJSON(t, http.MethodGet, base+"/v1/deployment/nope", nil, nil)
	must.Eq(t, http.StatusNotFound, resp.StatusCode)

	// Validation failures are 400s.
	bad := createRequest("bad")
	bad.ContainerImage = ""
	resp = httpJSON(t, http.MethodPost, base+"/v1/deployments", bad, nil)
	must.Eq(t, http.StatusBadRequest, resp.StatusCode)

	// Name conflicts are 409s.
	var created Deployment
	resp = httpJSON(t, http.MethodPost, base+"/v1/deployments", createRequest("dup"), &created)
	must.Eq(t, http.StatusCreated, resp.StatusCode)
	waitRunning(t, base, created.ID)

	resp = httpJSON(t, http.MethodPost, base+"/v1/deployments", createRequest("dup"), nil)
	must.Eq(t, http.StatusConflict, resp.StatusCode)
}

func TestHTTP_Nodes(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)
	base := "http://" + srv.Addr

	var nodes []*Node
	resp := httpJSON(t, http.MethodGet, base+"/v1/nodes", nil, &nodes)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Len(t, 2, nodes)

	// Register a new node.
	var registered Node
	resp = httpJSON(t, http.MethodPut, base+"/v1/node/node-3", &NodeUpdateRequest{
		Region: "eu-west", CPUCores: 4, MemoryMB: 8192, StorageGB: 50,
	}, &registered)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Eq(t, "node-3", registered.ID)
	must.Eq(t, structs.NodeStatusIdle, registered.Status)
	must.Eq(t, 4.0, registered.FreeCPUCores)

	resp = httpJSON(t, http.MethodGet, base+"/v1/nodes", nil, &nodes)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Len(t, 3, nodes)

	// Unknown node reads are 404s.
	resp = httpJSON(t, http.MethodGet, base+"/v1/node/ghost", nil, nil)
	must.Eq(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_RewardEndpoints(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)
	base := "http://" + srv.Addr

	var m RewardMetrics
	resp := httpJSON(t, http.MethodGet, base+"/v1/rewards/metrics", nil, &m)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Eq(t, uint64(0), m.TotalDistributions)

	var log []*RewardLogEntry
	resp = httpJSON(t, http.MethodGet, base+"/v1/rewards/log", nil, &log)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Len(t, 0, log)
}

func TestHTTP_Health(t *testing.T) {
	ci.Parallel(t)
	srv := testServer(t)

	var out map[string]string
	resp := httpJSON(t, http.MethodGet, fmt.Sprintf("http://%s/v1/agent/health", srv.Addr), nil, &out)
	must.Eq(t, http.StatusOK, resp.StatusCode)
	must.Eq(t, "ok", out["status"])
}
