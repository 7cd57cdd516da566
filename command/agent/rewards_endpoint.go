// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"time"
)

// RewardMetrics is the wire representation of the settlement counters.
type RewardMetrics struct {
	TotalDistributions      uint64 `json:"total_distributions"`
	SuccessfulDistributions uint64 `json:"successful_distributions"`
	FailedDistributions     uint64 `json:"failed_distributions"`
	Rollbacks               uint64 `json:"rollbacks"`
	TotalAmount             string `json:"total_amount"`
}

// RewardLogEntry is one line of the distribution log.
type RewardLogEntry struct {
	RewardID   string    `json:"reward_id"`
	AccountID  string    `json:"account_id"`
	Amount     string    `json:"amount"`
	RewardType string    `json:"reward_type"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// RewardMetricsRequest serves the settlement counters.
func (s *HTTPServer) RewardMetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	m := s.agent.Settlement().Metrics()
	return &RewardMetrics{
		TotalDistributions:      m.TotalDistributions,
		SuccessfulDistributions: m.SuccessfulDistributions,
		FailedDistributions:     m.FailedDistributions,
		Rollbacks:               m.Rollbacks,
		TotalAmount:             m.TotalAmount.String(),
	}, nil
}

// RewardLogRequest serves the recent distribution log.
func (s *HTTPServer) RewardLogRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	limit, err := parseInt(req, "limit", 100)
	if err != nil {
		return nil, err
	}
	entries := s.agent.Settlement().DistributionLog(limit)
	out := make([]*RewardLogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, &RewardLogEntry{
			RewardID:   e.RewardID,
			AccountID:  e.AccountID,
			Amount:     e.Amount.String(),
			RewardType: e.RewardType,
			Status:     e.Status,
			Timestamp:  e.Timestamp,
			Error:      e.Error,
		})
	}
	return out, nil
}
