// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"

	"github.com/hashicorp/stratus/stratus/structs"
)

// Node is the wire representation of a fleet node.
type Node struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	Region       string  `json:"region"`
	CPUCores     float64 `json:"cpu_cores"`
	MemoryMB     int     `json:"memory_mb"`
	StorageGB    int     `json:"storage_gb"`
	GPUAvailable bool    `json:"gpu_available"`

	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`

	FreeCPUCores  float64 `json:"free_cpu_cores"`
	FreeMemoryMB  int     `json:"free_memory_mb"`
	FreeStorageGB int     `json:"free_storage_gb"`
}

// NodeUpdateRequest is the PUT /v1/node/<id> body: a node registration
// or heartbeat refresh.
type NodeUpdateRequest struct {
	Status       string  `json:"status"`
	Region       string  `json:"region"`
	CPUCores     float64 `json:"cpu_cores"`
	MemoryMB     int     `json:"memory_mb"`
	StorageGB    int     `json:"storage_gb"`
	GPUAvailable bool    `json:"gpu_available"`

	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
}

func apiNode(n *structs.Node) *Node {
	return &Node{
		ID:                 n.ID,
		Status:             n.Status,
		Region:             n.Region,
		CPUCores:           n.CPUCores,
		MemoryMB:           n.MemoryMB,
		StorageGB:          n.StorageGB,
		GPUAvailable:       n.GPUAvailable,
		CPUUsagePercent:    n.CPUUsagePercent,
		MemoryUsagePercent: n.MemoryUsagePercent,
		FreeCPUCores:       n.FreeCPUCores(),
		FreeMemoryMB:       n.FreeMemoryMB(),
		FreeStorageGB:      n.FreeStorageGB(),
	}
}

// NodesRequest lists the fleet.
func (s *HTTPServer) NodesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	nodes, err := s.agent.State().Nodes(nil)
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, apiNode(n))
	}
	return out, nil
}

// NodeSpecificRequest serves a single node: GET reads it, PUT registers
// or refreshes it.
func (s *HTTPServer) NodeSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	id := strings.TrimPrefix(req.URL.Path, "/v1/node/")
	if id == "" || strings.Contains(id, "/") {
		return nil, CodedError(http.StatusBadRequest, "invalid node id")
	}

	switch req.Method {
	case http.MethodGet:
		node, err := s.agent.State().NodeByID(nil, id)
		if err != nil {
			return nil, err
		}
		if node == nil {
			return nil, CodedError(http.StatusNotFound, "node not found")
		}
		return apiNode(node), nil

	case http.MethodPut, http.MethodPost:
		var body NodeUpdateRequest
		if err := decodeBody(req, &body); err != nil {
			return nil, err
		}
		if body.CPUCores <= 0 || body.MemoryMB <= 0 || body.StorageGB <= 0 {
			return nil, CodedError(http.StatusBadRequest, "node capacity must be positive")
		}
		status := body.Status
		if status == "" {
			status = structs.NodeStatusIdle
		}
		node := &structs.Node{
			ID:                 id,
			Status:             status,
			Region:             body.Region,
			CPUCores:           body.CPUCores,
			MemoryMB:           body.MemoryMB,
			StorageGB:          body.StorageGB,
			GPUAvailable:       body.GPUAvailable,
			CPUUsagePercent:    body.CPUUsagePercent,
			MemoryUsagePercent: body.MemoryUsagePercent,
		}
		if err := s.agent.State().UpsertNode(s.agent.State().NextIndex(), node); err != nil {
			return nil, err
		}
		stored, err := s.agent.State().NodeByID(nil, id)
		if err != nil {
			return nil, err
		}
		return apiNode(stored), nil

	default:
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
}
