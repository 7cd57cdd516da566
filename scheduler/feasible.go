// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/stratus/stratus/state"
	"github.com/hashicorp/stratus/stratus/structs"
)

// NodeDirectory is the read-only fleet view the scheduler filters
// candidates from. The returned set is unsorted; ranking happens in the
// scheduler.
type NodeDirectory interface {
	FindAvailable(envelope *structs.Resources) ([]*structs.Node, error)
}

// StateNodeDirectory serves the node directory straight from the state
// store.
type StateNodeDirectory struct {
	state *state.StateStore
}

// NewStateNodeDirectory returns a directory backed by the given store.
func NewStateNodeDirectory(store *state.StateStore) *StateNodeDirectory {
	return &StateNodeDirectory{state: store}
}

// FindAvailable returns every schedulable node whose free capacity
// covers one replica of the envelope. GPU requests additionally require
// a GPU-capable node.
func (d *StateNodeDirectory) FindAvailable(envelope *structs.Resources) ([]*structs.Node, error) {
	nodes, err := d.state.Nodes(memdb.NewWatchSet())
	if err != nil {
		return nil, err
	}

	var out []*structs.Node
	for _, node := range nodes {
		if !node.Schedulable() {
			continue
		}
		if !node.Fits(envelope) {
			continue
		}
		out = append(out, node)
	}
	return out, nil
}
