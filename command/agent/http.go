// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/stratus/stratus/structs"
)

// HTTPCodedError is an error with an associated HTTP status code.
type HTTPCodedError interface {
	error
	Code() int
}

// CodedError builds an HTTPCodedError with a fixed status code.
func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string { return e.s }
func (e *codedError) Code() int     { return e.code }

// errorResponse is the JSON error body.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// HTTPServer serves the agent's JSON API.
type HTTPServer struct {
	agent    *Agent
	mux      *http.ServeMux
	listener net.Listener
	srv      *http.Server
	logger   hclog.Logger
	Addr     string
}

// NewHTTPServer binds the API listener, registers the handlers and
// starts serving.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	addr := fmt.Sprintf("%s:%d", config.BindAddr, config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	srv := &HTTPServer{
		agent:    agent,
		mux:      mux,
		listener: ln,
		logger:   agent.logger.Named("http"),
		Addr:     ln.Addr().String(),
	}
	srv.registerHandlers()

	srv.srv = &http.Server{
		Addr:    srv.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			srv.logger.Error("http server exited", "error", err)
		}
	}()

	srv.logger.Info("http api started", "address", srv.Addr)
	return srv, nil
}

func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc("/v1/deployments", s.wrap(s.DeploymentsRequest))
	s.mux.HandleFunc("/v1/deployment/", s.wrap(s.DeploymentSpecificRequest))
	s.mux.HandleFunc("/v1/nodes", s.wrap(s.NodesRequest))
	s.mux.HandleFunc("/v1/node/", s.wrap(s.NodeSpecificRequest))
	s.mux.HandleFunc("/v1/rewards/metrics", s.wrap(s.RewardMetricsRequest))
	s.mux.HandleFunc("/v1/rewards/log", s.wrap(s.RewardLogRequest))
	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))
	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.HealthRequest))
}

// Shutdown closes the listener and drains in-flight requests.
func (s *HTTPServer) Shutdown() {
	if s.srv != nil {
		s.logger.Debug("shutting down http server")
		s.srv.Close()
	}
}

// wrap turns a typed handler into an http.HandlerFunc: encode the
// returned object as JSON, map errors onto status codes, log the
// request.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method,
				"path", req.URL.Path, "duration", time.Since(start))
		}()
		defer metrics.MeasureSince([]string{"stratus", "http", "request"}, start)

		obj, err := handler(resp, req)
		if err != nil {
			s.writeError(resp, err)
			return
		}
		if obj == nil {
			return
		}

		buf, err := json.Marshal(obj)
		if err != nil {
			s.writeError(resp, err)
			return
		}
		resp.Header().Set("Content-Type", "application/json")
		resp.Write(buf)
	}
}

func (s *HTTPServer) writeError(resp http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	body := errorResponse{Error: err.Error()}

	switch v := err.(type) {
	case HTTPCodedError:
		code = v.Code()
	default:
		kind := structs.KindOf(err)
		body.Kind = string(kind)
		code = kindToStatus(kind)
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)
	enc, merr := json.Marshal(body)
	if merr != nil {
		return
	}
	resp.Write(enc)
	s.logger.Debug("request failed", "code", code, "error", err)
}

// kindToStatus maps control plane error kinds onto HTTP status codes.
func kindToStatus(kind structs.ErrorKind) int {
	switch kind {
	case structs.ErrKindValidation:
		return http.StatusBadRequest
	case structs.ErrKindNotFound:
		return http.StatusNotFound
	case structs.ErrKindNameConflict,
		structs.ErrKindInvalidStateTransition,
		structs.ErrKindRewardDistributionFailed:
		return http.StatusConflict
	case structs.ErrKindQueueFull, structs.ErrKindInsufficientCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody JSON-decodes a request body into out.
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(out); err != nil {
		return CodedError(http.StatusBadRequest, fmt.Sprintf("failed to decode request body: %v", err))
	}
	return nil
}

// parseInt reads an integer query parameter, returning def when absent.
func parseInt(req *http.Request, key string, def int) (int, error) {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, CodedError(http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", key, err))
	}
	return v, nil
}

// MetricsRequest serves the in-memory telemetry sink.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	return s.agent.inmemSink.DisplayMetrics(resp, req)
}

// HealthRequest reports liveness.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	return map[string]string{"status": "ok"}, nil
}
