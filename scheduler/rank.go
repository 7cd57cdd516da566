// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"sort"

	"github.com/hashicorp/stratus/stratus/structs"
)

// RankedNode pairs a candidate node with its placement score.
type RankedNode struct {
	Node  *structs.Node
	Score float64
}

const (
	// DefaultRegion is assumed when a request names no target region.
	DefaultRegion = "us-east"

	// MaxLatencyMS is the latency charged for region pairs absent from
	// the matrix; it zeroes the locality score.
	MaxLatencyMS = 200.0

	// loadPercentageBase converts usage percentages into scores.
	loadPercentageBase = 100.0
)

// regionLatencyMS is the symmetric inter-region latency matrix in
// milliseconds used by locality scoring.
var regionLatencyMS = map[string]map[string]float64{
	"us-east": {
		"us-east": 5, "us-west": 45, "eu-west": 80, "eu-central": 90,
		"ap-south": 180, "ap-northeast": 150,
	},
	"us-west": {
		"us-east": 45, "us-west": 5, "eu-west": 120, "eu-central": 130,
		"ap-south": 160, "ap-northeast": 100,
	},
	"eu-west": {
		"us-east": 80, "us-west": 120, "eu-west": 5, "eu-central": 15,
		"ap-south": 120, "ap-northeast": 200,
	},
	"eu-central": {
		"us-east": 90, "us-west": 130, "eu-west": 15, "eu-central": 5,
		"ap-south": 100, "ap-northeast": 180,
	},
	"ap-south": {
		"us-east": 180, "us-west": 160, "eu-west": 120, "eu-central": 100,
		"ap-south": 5, "ap-northeast": 80,
	},
	"ap-northeast": {
		"us-east": 150, "us-west": 100, "eu-west": 200, "eu-central": 180,
		"ap-south": 80, "ap-northeast": 5,
	},
}

// regionLatency returns the latency between two regions, charging
// MaxLatencyMS for any region the matrix does not know.
func regionLatency(from, to string) float64 {
	row, ok := regionLatencyMS[from]
	if !ok {
		return MaxLatencyMS
	}
	latency, ok := row[to]
	if !ok {
		return MaxLatencyMS
	}
	return latency
}

// scoreNode computes the scalar placement score in [0, 1] for one node:
// weighted resource headroom, inverse load, and region locality.
func (s *Scheduler) scoreNode(node *structs.Node, envelope *structs.Resources, targetRegion string) float64 {
	cfg := s.config

	cpuAvail := (node.FreeCPUCores() - envelope.CPUCores) / node.CPUCores
	memAvail := (float64(node.FreeMemoryMB()) - float64(envelope.MemoryMB)) / float64(node.MemoryMB)
	resourceScore := (cpuAvail + memAvail) / 2 * cfg.ResourceWeight

	// The load weight is split evenly across the CPU and memory axes.
	cpuLoadScore := (loadPercentageBase - node.CPUUsagePercent) / loadPercentageBase * (cfg.LoadWeight / 2)
	memLoadScore := (loadPercentageBase - node.MemoryUsagePercent) / loadPercentageBase * (cfg.LoadWeight / 2)
	loadScore := cpuLoadScore + memLoadScore

	localityScore := (1 - regionLatency(targetRegion, node.Region)/MaxLatencyMS) * cfg.LocalityWeight

	return resourceScore + loadScore + localityScore
}

// rankNodes scores every candidate and orders them best first. Equal
// scores fall back to lexicographic node id order so selection is
// deterministic.
func (s *Scheduler) rankNodes(nodes []*structs.Node, envelope *structs.Resources, targetRegion string) []*RankedNode {
	if targetRegion == "" {
		targetRegion = DefaultRegion
	}

	ranked := make([]*RankedNode, 0, len(nodes))
	for _, node := range nodes {
		ranked = append(ranked, &RankedNode{
			Node:  node,
			Score: s.scoreNode(node, envelope, targetRegion),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Node.ID < ranked[j].Node.ID
	})
	return ranked
}
