// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"github.com/hashicorp/go-memdb"
)

const (
	TableDeployments         = "deployments"
	TableDeploymentResources = "deployment_resources"
	TableReplicas            = "deployment_replicas"
	TableStatusHistory       = "deployment_status_history"
	TableNodes               = "nodes"
	TableRewardDistributions = "reward_distributions"

	tableIndex = "index"

	indexID               = "id"
	indexUser             = "user"
	indexUserName         = "user_name"
	indexDeployment       = "deployment"
	indexDeploymentStatus = "deployment_status"
	indexDeploymentOrder  = "deployment_order"
	indexNode             = "node"
	indexStatus           = "status"
	indexAccount          = "account"
)

// IndexEntry keeps track of the latest index affecting each table, in the
// same shape the raft-backed stores use it.
type IndexEntry struct {
	Key   string
	Value uint64
}

// stateStoreSchema is used to return the combined schema for the state
// store.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	schemas := []func() *memdb.TableSchema{
		indexTableSchema,
		deploymentTableSchema,
		deploymentResourceTableSchema,
		replicaTableSchema,
		statusHistoryTableSchema,
		nodeTableSchema,
		rewardDistributionTableSchema,
	}

	for _, fn := range schemas {
		schema := fn()
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema is used for tracking the most recent index used for
// each table.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

// deploymentTableSchema returns the MemDB schema for the deployments
// table. The user_name index is deliberately non-unique: soft-deleted
// rows share (user, name) with their live successor, so the live-name
// uniqueness predicate is enforced inside the write transaction instead.
func deploymentTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableDeployments,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexUser: {
				Name:         indexUser,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "UserID",
				},
			},
			indexUserName: {
				Name:         indexUserName,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "UserID"},
						&memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}

// deploymentResourceTableSchema returns the MemDB schema for the per
// deployment resource envelope rows. The deployment index is unique,
// enforcing the one-row-per-deployment invariant.
func deploymentResourceTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableDeploymentResources,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexDeployment: {
				Name:         indexDeployment,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "DeploymentID",
				},
			},
		},
	}
}

// replicaTableSchema returns the MemDB schema for replica rows.
func replicaTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableReplicas,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexDeployment: {
				Name:         indexDeployment,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "DeploymentID",
				},
			},
			indexDeploymentStatus: {
				Name:         indexDeploymentStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "DeploymentID"},
						&memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			indexNode: {
				Name:         indexNode,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "NodeID",
				},
			},
		},
	}
}

// statusHistoryTableSchema returns the MemDB schema for the append-only
// status audit trail. The deployment_order index iterates rows for one
// deployment in commit order.
func statusHistoryTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableStatusHistory,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexDeployment: {
				Name:         indexDeployment,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "DeploymentID",
				},
			},
			indexDeploymentOrder: {
				Name:         indexDeploymentOrder,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "DeploymentID"},
						&memdb.UintFieldIndex{Field: "CreateIndex"},
					},
				},
			},
		},
	}
}

// nodeTableSchema returns the MemDB schema for fleet nodes.
func nodeTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableNodes,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Status",
				},
			},
		},
	}
}

// rewardDistributionTableSchema returns the MemDB schema for the reward
// distribution audit rows.
func rewardDistributionTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableRewardDistributions,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "RewardID",
				},
			},
			indexDeployment: {
				Name:         indexDeployment,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "DeploymentID",
				},
			},
			indexAccount: {
				Name:         indexAccount,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "AccountID",
				},
			},
		},
	}
}
