// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator locates and wires up the Kubernetes pods that host
// local MCP servers. The dispatcher talks to it through the Orchestrator
// interface: scale up the server's deployment, find its running pod, then
// either attach to the container's stdio or resolve its in-cluster HTTP
// endpoint.
package orchestrator

import (
	"context"
	"io"
)

// LabelServerID is the label that ties deployments, pods and services to the
// MCP server they host.
const LabelServerID = "archestra.ai/mcp-server-id"

// Pod locates one running tool-server container.
type Pod struct {
	Namespace string
	Name      string
	Container string
}

// Orchestrator manages the cluster resources backing local MCP servers.
type Orchestrator interface {
	// EnsureDeployment scales the server's deployment to at least one
	// replica. It does not wait for pods to become ready.
	EnsureDeployment(ctx context.Context, serverID string) error

	// RunningPod polls until the server has a ready pod or ctx expires.
	RunningPod(ctx context.Context, serverID string) (*Pod, error)

	// Attach streams stdin/stdout to the pod's container. It blocks until
	// the stream closes or ctx is canceled.
	Attach(ctx context.Context, pod *Pod, stdin io.Reader, stdout io.Writer) error

	// HTTPEndpoint returns the in-cluster URL of the server's service for
	// servers that advertise streamable HTTP.
	HTTPEndpoint(ctx context.Context, serverID string) (string, error)
}
