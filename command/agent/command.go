// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	hclog "github.com/hashicorp/go-hclog"
)

// Command is the `stratus agent` CLI command: load config, wire the
// agent, serve the API until signalled.
type Command struct {
	Ui cli.Ui
}

func (c *Command) Help() string {
	helpText := `
Usage: stratus agent [options]

  Starts the stratus agent: the deployment control plane and its HTTP
  API in a single process.

Options:

  -config=<path>
    Path to an HCL configuration file.

  -bind=<addr>
    Address to bind the HTTP API to. Overrides the config file.

  -port=<port>
    Port for the HTTP API. Overrides the config file.

  -log-level=<level>
    Log verbosity: TRACE, DEBUG, INFO, WARN, ERROR.

  -docker
    Use the docker container runtime instead of the mock runtime.
`
	return strings.TrimSpace(helpText)
}

func (c *Command) Synopsis() string {
	return "Run a stratus agent"
}

func (c *Command) Run(args []string) int {
	var configPath, bindAddr, logLevel string
	var port int
	var dockerEnabled bool

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&configPath, "config", "", "")
	flags.StringVar(&bindAddr, "bind", "", "")
	flags.IntVar(&port, "port", 0, "")
	flags.StringVar(&logLevel, "log-level", "", "")
	flags.BoolVar(&dockerEnabled, "docker", false, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	config := DefaultConfig()
	if configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}
		config = loaded
	}
	if bindAddr != "" {
		config.BindAddr = bindAddr
	}
	if port != 0 {
		config.Port = port
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if dockerEnabled {
		config.DockerEnabled = true
	}
	if err := config.Finalize(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %v", err))
		return 1
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "stratus",
		Level:      hclog.LevelFromString(config.LogLevel),
		JSONFormat: config.LogJSON,
	})

	agent, err := NewAgent(config, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to start agent: %v", err))
		return 1
	}
	defer agent.Shutdown()

	httpServer, err := NewHTTPServer(agent, config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to start HTTP server: %v", err))
		return 1
	}
	defer httpServer.Shutdown()

	c.Ui.Output(fmt.Sprintf("Stratus agent started! API available at http://%s", httpServer.Addr))

	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh
	c.Ui.Output(fmt.Sprintf("Caught signal: %v, shutting down", sig))
	return 0
}
