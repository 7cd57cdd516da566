// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"

	"github.com/hashicorp/stratus/helper/testlog"
)

// TestStateStore returns a fresh in-memory state store for testing.
func TestStateStore(t testing.TB) *StateStore {
	store, err := NewStateStore(testlog.HCLogger(t))
	if err != nil {
		t.Fatalf("failed to create state store: %v", err)
	}
	return store
}
