// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/stratus/stratus"
	"github.com/hashicorp/stratus/stratus/structs"
)

// Deployment is the wire representation of a deployment row.
type Deployment struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	UserID         string     `json:"user_id"`
	ContainerImage string     `json:"container_image"`
	Status         string     `json:"status"`
	TargetReplicas int        `json:"target_replicas"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Resources is the wire representation of a resource envelope.
type Resources struct {
	CPUCores  float64 `json:"cpu_cores"`
	MemoryMB  int     `json:"memory_mb"`
	GPUUnits  int     `json:"gpu_units"`
	StorageGB int     `json:"storage_gb"`
}

// Replica is the wire representation of a replica row.
type Replica struct {
	ID           string     `json:"id"`
	DeploymentID string     `json:"deployment_id"`
	NodeID       string     `json:"node_id,omitempty"`
	Status       string     `json:"status"`
	ContainerID  string     `json:"container_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// StatusHistory is the wire representation of one status transition.
type StatusHistory struct {
	DeploymentID string    `json:"deployment_id"`
	OldStatus    string    `json:"old_status"`
	NewStatus    string    `json:"new_status"`
	ChangedBy    string    `json:"changed_by,omitempty"`
	ChangedAt    time.Time `json:"changed_at"`
	Reason       string    `json:"reason,omitempty"`
}

// DeploymentDetail is the wire representation of a deployment with its
// envelope and replicas.
type DeploymentDetail struct {
	Deployment
	Resources       *Resources `json:"resources,omitempty"`
	Replicas        []*Replica `json:"replicas"`
	RunningReplicas int        `json:"running_replicas"`
}

// CleanupSummary reports the reward settlement performed by a delete.
type CleanupSummary struct {
	Success            bool   `json:"success"`
	RewardsDistributed int    `json:"rewards_distributed"`
	RewardsAmount      string `json:"rewards_amount"`
	CleanupCompleted   bool   `json:"cleanup_completed"`
	RollbackOccurred   bool   `json:"rollback_occurred"`
}

// DeploymentCreateRequest is the POST /v1/deployments body.
type DeploymentCreateRequest struct {
	Name           string     `json:"name"`
	UserID         string     `json:"user_id"`
	ContainerImage string     `json:"container_image"`
	Replicas       int        `json:"replicas"`
	Resources      *Resources `json:"resources"`
	TargetRegion   string     `json:"target_region"`
}

// DeploymentScaleRequest is the scale endpoint body.
type DeploymentScaleRequest struct {
	Replicas int    `json:"replicas"`
	UserID   string `json:"user_id"`
}

// DeploymentDeleteResponse is the delete endpoint body.
type DeploymentDeleteResponse struct {
	Deployment *Deployment     `json:"deployment"`
	Cleanup    *CleanupSummary `json:"cleanup"`
}

func apiDeployment(d *structs.Deployment) *Deployment {
	return &Deployment{
		ID:             d.ID,
		Name:           d.Name,
		UserID:         d.UserID,
		ContainerImage: d.ContainerImage,
		Status:         d.Status,
		TargetReplicas: d.TargetReplicas,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		DeletedAt:      d.DeletedAt,
	}
}

func apiReplica(r *structs.Replica) *Replica {
	return &Replica{
		ID:           r.ID,
		DeploymentID: r.DeploymentID,
		NodeID:       r.NodeID,
		Status:       r.Status,
		ContainerID:  r.ContainerID,
		StartedAt:    r.StartedAt,
		StoppedAt:    r.StoppedAt,
		CreatedAt:    r.CreatedAt,
	}
}

// DeploymentsRequest routes the deployment collection endpoint.
func (s *HTTPServer) DeploymentsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodPost:
		return s.deploymentCreate(resp, req)
	case http.MethodGet:
		return s.deploymentList(resp, req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) deploymentCreate(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var body DeploymentCreateRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	if body.Resources == nil {
		return nil, CodedError(http.StatusBadRequest, "missing resources")
	}

	d, err := s.agent.Controller().Create(req.Context(), &stratus.CreateRequest{
		Name:           body.Name,
		UserID:         body.UserID,
		ContainerImage: body.ContainerImage,
		Replicas:       body.Replicas,
		Resources: structs.Resources{
			CPUCores:  body.Resources.CPUCores,
			MemoryMB:  body.Resources.MemoryMB,
			GPUUnits:  body.Resources.GPUUnits,
			StorageGB: body.Resources.StorageGB,
		},
		TargetRegion: body.TargetRegion,
	})
	if err != nil {
		return nil, err
	}

	resp.WriteHeader(http.StatusCreated)
	return apiDeployment(d), nil
}

func (s *HTTPServer) deploymentList(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	query := req.URL.Query()
	limit, err := parseInt(req, "limit", structs.DefaultPageLimit)
	if err != nil {
		return nil, err
	}
	offset, err := parseInt(req, "offset", 0)
	if err != nil {
		return nil, err
	}

	list, err := s.agent.Controller().List(&stratus.ListOptions{
		UserID:         query.Get("user_id"),
		Status:         query.Get("status"),
		IncludeDeleted: query.Get("include_deleted") == "true",
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Deployment, 0, len(list))
	for _, d := range list {
		out = append(out, apiDeployment(d))
	}
	return out, nil
}

// DeploymentSpecificRequest routes /v1/deployment/<id> and its
// sub-paths.
func (s *HTTPServer) DeploymentSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/deployment/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		return nil, CodedError(http.StatusBadRequest, "missing deployment id")
	}

	if len(parts) == 1 {
		switch req.Method {
		case http.MethodGet:
			return s.deploymentDetail(id)
		case http.MethodDelete:
			return s.deploymentDelete(req, id)
		default:
			return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
		}
	}

	switch parts[1] {
	case "scale":
		switch req.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			return s.deploymentScale(req, id)
		default:
			return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
		}
	case "status-history":
		if req.Method != http.MethodGet {
			return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
		}
		return s.deploymentStatusHistory(req, id)
	case "replicas":
		if req.Method != http.MethodGet {
			return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
		}
		return s.deploymentReplicas(id)
	default:
		return nil, CodedError(http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) deploymentDetail(id string) (interface{}, error) {
	detail, err := s.agent.Controller().GetDetail(id)
	if err != nil {
		return nil, err
	}

	out := &DeploymentDetail{
		Deployment:      *apiDeployment(detail.Deployment),
		Replicas:        make([]*Replica, 0, len(detail.Replicas)),
		RunningReplicas: detail.RunningReplicas,
	}
	if detail.Resources != nil {
		out.Resources = &Resources{
			CPUCores:  detail.Resources.CPUCores,
			MemoryMB:  detail.Resources.MemoryMB,
			GPUUnits:  detail.Resources.GPUUnits,
			StorageGB: detail.Resources.StorageGB,
		}
	}
	for _, r := range detail.Replicas {
		out.Replicas = append(out.Replicas, apiReplica(r))
	}
	return out, nil
}

func (s *HTTPServer) deploymentScale(req *http.Request, id string) (interface{}, error) {
	var body DeploymentScaleRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	d, err := s.agent.Controller().Scale(req.Context(), id, body.Replicas, body.UserID)
	if err != nil {
		return nil, err
	}
	return apiDeployment(d), nil
}

func (s *HTTPServer) deploymentDelete(req *http.Request, id string) (interface{}, error) {
	actor := req.URL.Query().Get("user_id")
	result, err := s.agent.Controller().Delete(req.Context(), id, actor)
	if err != nil {
		return nil, err
	}
	return &DeploymentDeleteResponse{
		Deployment: apiDeployment(result.Deployment),
		Cleanup: &CleanupSummary{
			Success:            result.Cleanup.Success,
			RewardsDistributed: result.Cleanup.RewardsDistributed,
			RewardsAmount:      result.Cleanup.RewardsAmount.String(),
			CleanupCompleted:   result.Cleanup.CleanupCompleted,
			RollbackOccurred:   result.Cleanup.RollbackOccurred,
		},
	}, nil
}

func (s *HTTPServer) deploymentStatusHistory(req *http.Request, id string) (interface{}, error) {
	limit, err := parseInt(req, "limit", structs.StatusHistoryLimit)
	if err != nil {
		return nil, err
	}
	rows, err := s.agent.Controller().StatusHistory(id, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*StatusHistory, 0, len(rows))
	for _, h := range rows {
		out = append(out, &StatusHistory{
			DeploymentID: h.DeploymentID,
			OldStatus:    h.OldStatus,
			NewStatus:    h.NewStatus,
			ChangedBy:    h.ChangedBy,
			ChangedAt:    h.ChangedAt,
			Reason:       h.Reason,
		})
	}
	return out, nil
}

func (s *HTTPServer) deploymentReplicas(id string) (interface{}, error) {
	replicas, err := s.agent.Controller().ListReplicas(id)
	if err != nil {
		return nil, err
	}
	out := make([]*Replica, 0, len(replicas))
	for _, r := range replicas {
		out = append(out, apiReplica(r))
	}
	return out, nil
}
