// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command wires the CLI commands.
package command

import (
	"github.com/hashicorp/cli"

	"github.com/hashicorp/stratus/command/agent"
	"github.com/hashicorp/stratus/version"
)

// Commands returns the CLI command factories.
func Commands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{Ui: ui}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Ui:      ui,
				Version: version.GetVersion(),
			}, nil
		},
	}
}
